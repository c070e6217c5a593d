package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionKey returns the cache key for a cached test session record
func (r *CacheKeyStruct) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// SessionAnswersKey returns the cache key for a session's autosaved answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// StudentActiveSessionKey returns the cache key for a student's active session on a test
func (r *CacheKeyStruct) StudentActiveSessionKey(userID, testID string) string {
	return fmt.Sprintf("student:%s:test:%s:active_session", userID, testID)
}

var CacheKey = NewCacheKeyStruct()
