package rediskey

import "fmt"

// Device trust keys (global convention across services)
const (
	AutoBindSessionPrefix = "devicetrust:autobind:session"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildAutoBindSessionKey returns "devicetrust:autobind:session:{sessionID}"
func BuildAutoBindSessionKey(sessionID string) string {
	return NamespaceKey(AutoBindSessionPrefix, sessionID)
}
