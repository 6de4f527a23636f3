package models

import "strings"

type ServiceType struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

func NormalizeServiceKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Equal compares by key only; display names are admin-editable.
func (s ServiceType) Equal(other ServiceType) bool {
	return NormalizeServiceKey(s.Key) == NormalizeServiceKey(other.Key)
}

// TicketPrefix is the first three characters of the key.
func (s ServiceType) TicketPrefix() string {
	runes := []rune(NormalizeServiceKey(s.Key))
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes)
}
