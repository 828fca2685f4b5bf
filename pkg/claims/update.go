package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/obot-platform/authz-server/pkg/catalog"
	"golang.org/x/text/language"
)

// UpdateAction is what an update does to one claim.
type UpdateAction int

const (
	// Unset leaves the claim untouched.
	Unset UpdateAction = iota
	// Clear explicitly removes the value.
	Clear
	// Set replaces the value.
	Set
)

// Update is the change requested for one claim.
type Update struct {
	Action UpdateAction
	Value  string
}

// Updates maps claim ids to their update. Missing ids are Unset.
type Updates map[string]Update

// Get returns the update of id, Unset when absent.
func (u Updates) Get(id string) Update {
	return u[id]
}

// ParseUpdates reads a JSON object where an absent key leaves the claim
// alone, null clears it and a scalar sets it.
func ParseUpdates(raw map[string]json.RawMessage) (Updates, error) {
	updates := Updates{}
	for id, value := range raw {
		trimmed := bytes.TrimSpace(value)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			updates[id] = Update{Action: Clear}
			continue
		}

		var v any
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		if err := decoder.Decode(&v); err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		switch typed := v.(type) {
		case string:
			updates[id] = Update{Action: Set, Value: typed}
		case bool:
			updates[id] = Update{Action: Set, Value: strconv.FormatBool(typed)}
		case json.Number:
			updates[id] = Update{Action: Set, Value: typed.String()}
		default:
			return nil, fmt.Errorf("claim %s: value must be a string, a number, a boolean or null", id)
		}
	}
	return updates, nil
}

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// NormalizeValue checks value against the data type of claim and returns its
// canonical form.
func NormalizeValue(claim *catalog.Claim, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("value is empty")
	}

	switch claim.DataType {
	case catalog.TypeString:
		if len(value) > 255 {
			return "", fmt.Errorf("value is too long")
		}
		return value, nil
	case catalog.TypeBoolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case catalog.TypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return "", err
		}
		return value, nil
	case catalog.TypeDate:
		for _, layout := range []string{"2006-01-02", "2006"} {
			if _, err := time.Parse(layout, value); err == nil {
				return value, nil
			}
		}
		return "", fmt.Errorf("date must be YYYY-MM-DD or YYYY")
	case catalog.TypeEmail:
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return "", fmt.Errorf("invalid email address")
		}
		return strings.ToLower(value), nil
	case catalog.TypePhone:
		normalized := strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "").Replace(value)
		if !phonePattern.MatchString(normalized) {
			return "", fmt.Errorf("phone number must be in E.164 format")
		}
		return normalized, nil
	case catalog.TypeURL:
		u, err := url.ParseRequestURI(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("invalid URL")
		}
		return value, nil
	case catalog.TypeLocale:
		tag, err := language.Parse(value)
		if err != nil {
			return "", err
		}
		return tag.String(), nil
	default:
		return "", fmt.Errorf("unsupported data type %q", claim.DataType)
	}
}
