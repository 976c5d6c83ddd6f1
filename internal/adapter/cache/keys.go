package cache

import "strconv"

// Key namespaces of the fast session store.
const (
	accessPrefix    = "access_token:"
	blacklistPrefix = "blacklist:"
	sessionsPrefix  = "user_sessions:"
)

func accessKey(jti string) string    { return accessPrefix + jti }
func blacklistKey(jti string) string { return blacklistPrefix + jti }

func sessionsKey(userID int64) string {
	return sessionsPrefix + strconv.FormatInt(userID, 10)
}
