package security

import (
	"errors"
	"strconv"
)

// ParseUserID validates a platform user ID (a numeric snowflake).
func ParseUserID(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty user id")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("user id must be numeric")
		}
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid user id")
	}
	if id == 0 {
		return 0, errors.New("user id must be > 0")
	}
	return id, nil
}
