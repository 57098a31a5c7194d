package revision

import "github.com/google/uuid"

// NewID returns a fresh random 128-bit identifier, suitable for a revision
// id, chunk id, or peer-visible object id.
func NewID() ID {
	return ID(uuid.New())
}

// IDFromHex parses the hex form produced by ID.String back into an ID.
func IDFromHex(hex string) (ID, error) {
	u, err := uuid.Parse(hexToUUIDString(hex))
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

// hexToUUIDString inserts the dashes uuid.Parse expects into a plain
// 32-character hex string produced by ID.String.
func hexToUUIDString(hex string) string {
	if len(hex) != 32 {
		return hex
	}
	return hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]
}
