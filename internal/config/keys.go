package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Account is one site the collector pulls campaigns for.
type Account struct {
	SiteID int    `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	APIKey string `json:"key" yaml:"key"`
}

// UnmarshalJSON accepts the site id as a number or a numeric string.
func (a *Account) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID     json.RawMessage `json:"id"`
		Name   string          `json:"name"`
		APIKey string          `json:"key"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	id, err := parseSiteID(wire.ID)
	if err != nil {
		return err
	}

	*a = Account{SiteID: id, Name: wire.Name, APIKey: wire.APIKey}
	return nil
}

// String never includes the API key.
func (a Account) String() string {
	if a.Name == "" {
		return fmt.Sprintf("site %d", a.SiteID)
	}
	return fmt.Sprintf("%s (site %d)", a.Name, a.SiteID)
}

func (a Account) validate() error {
	if a.SiteID <= 0 {
		return fmt.Errorf("account %q: site id must be a positive integer", a.Name)
	}
	if strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("account %s: API key cannot be empty", a)
	}
	return nil
}

func parseSiteID(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var number int
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("site id: %w", err)
	}
	number, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("site id %q is not an integer", text)
	}
	return number, nil
}

type keysFile struct {
	Items []Account `json:"items"`
}

// LoadKeys reads the accounts listed under "items" in a JSON keys file.
// A missing or malformed file yields no accounts.
func LoadKeys(path string) []Account {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var file keysFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil
	}
	return file.Items
}
