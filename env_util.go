package docsync

import (
	"os"
	"strconv"
)

func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

// GetEnvInt64OrDefault returns the integer in key, or defaultValue when it is unset or
// not a number.
func GetEnvInt64OrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
