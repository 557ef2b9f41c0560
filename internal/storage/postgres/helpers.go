package postgres

import "github.com/screensplit/server/internal/domain/ids"

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// validUUID guards uuid casts so malformed IDs read as missing rows rather
// than query errors.
func validUUID(id string) bool {
	return ids.ValidateUUID(id) == nil
}
