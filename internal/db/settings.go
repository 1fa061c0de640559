package db

import (
	"database/sql"
	"strconv"

	"github.com/brewlog/core/internal/crypto"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/uuid"
)

// Keys in the app_settings table.
const (
	// SettingPullCursor is the pull watermark: the max remote updated_at seen
	// in a completed pull, as unix millis.
	SettingPullCursor = "pull_cursor"

	// SettingDeviceID identifies this install; generated on first use and
	// used to derive the token sealing key.
	SettingDeviceID = "device_id"

	// SettingAuthToken is the backend auth token, sealed with the device key.
	SettingAuthToken = "auth_token"
)

// GetSetting reads a value from app_settings. Returns ok=false when the key
// has never been written.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM app_settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "failed to read setting", err)
	}
	return value, true, nil
}

// SetSetting upserts a value in app_settings inside the given transaction.
func (s *Store) SetSetting(tx *Tx, key, value string) error {
	_, err := tx.Exec(
		"INSERT INTO app_settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write setting", err)
	}
	return nil
}

// PullCursor returns the persisted pull watermark, 0 if no pull completed yet.
func (s *Store) PullCursor() (int64, error) {
	value, ok, err := s.GetSetting(SettingPullCursor)
	if err != nil || !ok {
		return 0, err
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "corrupt pull cursor", err)
	}
	return cursor, nil
}

// SetPullCursor persists the pull watermark.
func (s *Store) SetPullCursor(tx *Tx, cursor int64) error {
	return s.SetSetting(tx, SettingPullCursor, strconv.FormatInt(cursor, 10))
}

// DeviceID returns the install's stable identifier, generating one on first
// call.
func (s *Store) DeviceID() (string, error) {
	id, ok, err := s.GetSetting(SettingDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.New()
	err = s.WriteTx(func(tx *Tx) error {
		return s.SetSetting(tx, SettingDeviceID, id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetAuthToken seals the backend auth token and persists it.
func (s *Store) SetAuthToken(token string) error {
	deviceID, err := s.DeviceID()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealToken(token, deviceID)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to seal auth token", err)
	}
	return s.WriteTx(func(tx *Tx) error {
		return s.SetSetting(tx, SettingAuthToken, sealed)
	})
}

// AuthToken returns the stored auth token, empty if none was saved.
func (s *Store) AuthToken() (string, error) {
	sealed, ok, err := s.GetSetting(SettingAuthToken)
	if err != nil || !ok {
		return "", err
	}
	deviceID, err := s.DeviceID()
	if err != nil {
		return "", err
	}
	token, err := crypto.OpenToken(sealed, deviceID)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to open auth token", err)
	}
	return token, nil
}
