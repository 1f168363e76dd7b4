package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NotifyType selects the action issued to paths on a path switch
type NotifyType string

const (
	NotifyNone             NotifyType = "none"
	NotifyLunReset         NotifyType = "lun-reset"
	NotifyCdb              NotifyType = "cdb"
	NotifyLogoutOrLunReset NotifyType = "logout-or-lun-reset"
	NotifyLogoutOrCdb      NotifyType = "logout-or-cdb"
	NotifySpinup           NotifyType = "spinup"
)

var notifyTypes = []NotifyType{
	NotifyNone,
	NotifyLunReset,
	NotifyCdb,
	NotifyLogoutOrLunReset,
	NotifyLogoutOrCdb,
	NotifySpinup,
}

// ParseNotifyType parses a notification type name. The empty string means none.
func ParseNotifyType(s string) (NotifyType, error) {
	if s == "" {
		return NotifyNone, nil
	}
	for _, t := range notifyTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown notify type %q", ErrInvalidParam, s)
}

// NeedsCdb reports whether the type issues the configured vendor command
func (t NotifyType) NeedsCdb() bool {
	return t == NotifyCdb || t == NotifyLogoutOrCdb
}

const (
	MinNotifyCdbLen = 6
	MaxNotifyCdbLen = 16
)

// NotifySettings is the notification policy of a device or the global default
type NotifySettings struct {
	Type NotifyType `json:"type" yaml:"type"`
	Cdb  HexBytes   `json:"cdb,omitempty" yaml:"cdb,omitempty"`
}

// Validate checks that CDB-based types carry a command of legal length
func (s NotifySettings) Validate() error {
	if _, err := ParseNotifyType(string(s.Type)); err != nil {
		return err
	}
	if s.Type.NeedsCdb() && (len(s.Cdb) < MinNotifyCdbLen || len(s.Cdb) > MaxNotifyCdbLen) {
		return fmt.Errorf("%w: notify cdb must be %d-%d bytes, got %d",
			ErrInvalidParam, MinNotifyCdbLen, MaxNotifyCdbLen, len(s.Cdb))
	}
	return nil
}

// HexBytes is a byte string encoded as hex in text formats
type HexBytes []byte

func (b HexBytes) String() string { return hex.EncodeToString(b) }

func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

func (b *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ReplaceAll(string(text), " ", ""), "0x")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	*b = decoded
	return nil
}
