package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finchley/finch/internal/model"
)

func testDataset(t *testing.T) *model.Dataset {
	t.Helper()

	created := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	acc := model.Account{
		Meta:           model.Meta{ID: "acc-1", CreatedAt: created, UpdatedAt: created.Add(time.Hour)},
		Name:           "Joint Checking",
		Type:           "checking",
		Currency:       "EUR",
		OpeningBalance: decimal.RequireFromString("120.50"),
		Balance:        decimal.RequireFromString("95.25"),
	}
	tx := model.Transaction{
		Meta:      model.Meta{ID: "tx-1", CreatedAt: created, UpdatedAt: created},
		AccountID: "acc-1",
		Amount:    decimal.RequireFromString("-25.25"),
		Currency:  "EUR",
		Category:  "groceries",
		Date:      "2026-02-10",
	}
	return &model.Dataset{
		Accounts:     []model.Account{acc},
		Transactions: []model.Transaction{tx},
		Deletions: []model.Tombstone{
			{ID: "tx-0", EntityType: model.TypeTransactions, DeletedAt: created},
		},
		Settings: &model.Settings{
			ID:              model.SettingsID,
			DisplayCurrency: "EUR",
			ExchangeRates:   map[string]float64{"USD": 1.08},
			UpdatedAt:       created,
		},
	}
}

func TestPlaintextRoundTrip(t *testing.T) {
	ds := testDataset(t)
	now := time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)

	b, exportedAt, err := Encode(ds, EncodeOptions{FamilyID: "fam-1", FamilyName: "Smith", Now: now})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !exportedAt.Equal(now) {
		t.Errorf("exportedAt = %v, want %v", exportedAt, now)
	}

	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.NeedsPassword() {
		t.Fatal("plaintext file must not need a password")
	}
	if f.Version != FormatVersion {
		t.Errorf("version = %q, want %q", f.Version, FormatVersion)
	}
	if f.Encrypted {
		t.Error("encrypted flag set on plaintext file")
	}
	if f.FamilyID != "fam-1" || f.FamilyName != "Smith" {
		t.Errorf("family identity lost: %q %q", f.FamilyID, f.FamilyName)
	}

	got, _ := json.Marshal(f.Data)
	want, _ := json.Marshal(ds)
	if string(got) != string(want) {
		t.Errorf("round trip altered dataset:\n got %s\nwant %s", got, want)
	}
}

func TestEnvelopeStaysPlaintextWhenEncrypted(t *testing.T) {
	ds := testDataset(t)
	b, _, err := Encode(ds, EncodeOptions{Secret: PasswordSecret("hunter2")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	s := string(b)
	if !strings.Contains(s, `"version"`) || !strings.Contains(s, `"exportedAt"`) {
		t.Error("envelope fields must remain plaintext")
	}
	if strings.Contains(s, "Joint Checking") || strings.Contains(s, "groceries") {
		t.Error("entity data leaked into encrypted document")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	ds := testDataset(t)
	b, _, err := Encode(ds, EncodeOptions{Secret: PasswordSecret("correct horse")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !f.NeedsPassword() {
		t.Fatal("encrypted file without a secret should need a password")
	}

	if err := f.Decrypt(PasswordSecret("correct horse")); err != nil {
		t.Fatalf("Decrypt with correct password failed: %v", err)
	}
	if f.NeedsPassword() {
		t.Error("file still reports NeedsPassword after decrypt")
	}

	got, _ := json.Marshal(f.Data)
	want, _ := json.Marshal(ds)
	if string(got) != string(want) {
		t.Errorf("encrypted round trip altered dataset:\n got %s\nwant %s", got, want)
	}
}

func TestWrongPasswordIsCredentialError(t *testing.T) {
	b, _, err := Encode(testDataset(t), EncodeOptions{Secret: PasswordSecret("right")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	err = f.Decrypt(PasswordSecret("wrong"))
	if !errors.Is(err, ErrBadCredential) {
		t.Fatalf("wrong password should yield ErrBadCredential, got %v", err)
	}
	if !f.NeedsPassword() {
		t.Error("failed decrypt must leave the raw payload retained for retry")
	}

	// Retry with the right password must still work.
	if err := f.Decrypt(PasswordSecret("right")); err != nil {
		t.Fatalf("retry with correct password failed: %v", err)
	}
}

func TestKeySecretRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	b, _, err := Encode(testDataset(t), EncodeOptions{Secret: KeySecret(key)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := f.Decrypt(KeySecret(key)); err != nil {
		t.Fatalf("Decrypt with key secret failed: %v", err)
	}
	if len(f.Data.Accounts) != 1 {
		t.Errorf("expected 1 account after decrypt, got %d", len(f.Data.Accounts))
	}
}

func TestPasswordAgainstKeyFileIsCredentialError(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	b, _, err := Encode(testDataset(t), EncodeOptions{Secret: KeySecret(key)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// A password cannot unlock a raw-key file; that is a wrong credential,
	// not a damaged file, so the caller re-prompts instead of giving up.
	err = f.Decrypt(PasswordSecret("hunter2"))
	if !errors.Is(err, ErrBadCredential) {
		t.Fatalf("password against key file should yield ErrBadCredential, got %v", err)
	}
	if !f.NeedsPassword() {
		t.Error("failed decrypt must leave the raw payload retained for retry")
	}

	if err := f.Decrypt(KeySecret(key)); err != nil {
		t.Fatalf("retry with the matching key failed: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "this is not json"},
		{"missing version", `{"exportedAt":"2026-01-01T00:00:00Z","encrypted":false,"data":null}`},
		{"missing exportedAt", `{"version":"3.0","encrypted":false,"data":null}`},
		{"bad exportedAt", `{"version":"3.0","exportedAt":"yesterday","encrypted":false,"data":null}`},
		{"bad data payload", `{"version":"3.0","exportedAt":"2026-01-01T00:00:00Z","encrypted":false,"data":42}`},
		{"encrypted without ciphertext", `{"version":"3.0","exportedAt":"2026-01-01T00:00:00Z","encrypted":true,"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("want ErrInvalidFormat, got %v", err)
			}
		})
	}
}

func TestDecodeNullDataIsEmptyDataset(t *testing.T) {
	f, err := Decode([]byte(`{"version":"3.0","exportedAt":"2026-01-01T00:00:00Z","encrypted":false,"data":null}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !f.Data.IsEmpty() {
		t.Error("null data should decode to an empty dataset")
	}
}
