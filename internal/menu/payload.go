// Package menu stores the actions behind custom-menu clicks.
//
// A WeChat click key is limited to 128 bytes, while the action behind a
// button (a long text reply, an article URL) can be much larger. The registry
// keeps the action on disk and the menu carries only a short, stable id.
package menu

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Kind is the type of action a menu click performs.
type Kind string

const (
	KindText    Kind = "text"
	KindNews    Kind = "news"
	KindImage   Kind = "image"
	KindVoice   Kind = "voice"
	KindVideo   Kind = "video"
	KindFinder  Kind = "finder"
	KindUnknown Kind = "unknown"
)

// Payload is the action behind one menu button. Which fields are set depends on Kind:
//
//	text:    Text
//	news:    Title, ContentURL
//	image:   MediaID
//	voice:   MediaID
//	video:   Value
//	finder:  Value
//	unknown: OriginalType, Key, Value, URL (all optional)
//
// Field order is fixed and doubles as the canonical serialization used for ids.
type Payload struct {
	Kind         Kind   `json:"kind" yaml:"kind"`
	Text         string `json:"text,omitempty" yaml:"text,omitempty"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	ContentURL   string `json:"contentUrl,omitempty" yaml:"contentUrl,omitempty"`
	MediaID      string `json:"mediaId,omitempty" yaml:"mediaId,omitempty"`
	OriginalType string `json:"originalType,omitempty" yaml:"originalType,omitempty"`
	Key          string `json:"key,omitempty" yaml:"key,omitempty"`
	Value        string `json:"value,omitempty" yaml:"value,omitempty"`
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Text returns a text payload.
func Text(text string) Payload { return Payload{Kind: KindText, Text: text} }

// News returns an article payload.
func News(title, contentURL string) Payload {
	return Payload{Kind: KindNews, Title: title, ContentURL: contentURL}
}

// Canonical returns the canonical JSON form of p.
func (p Payload) Canonical() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Payload has only string fields; encoding cannot fail.
	_ = enc.Encode(p)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// MakeID derives the short id of payload within an account:
// the first 16 hex characters of sha256(accountID + "\n" + canonical JSON).
func MakeID(accountID string, payload Payload) string {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte("\n"))
	h.Write(payload.Canonical())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

const clickKeyPrefix = "wemp_menu:"

// MaxClickKeyBytes is the WeChat limit for a click button key.
const MaxClickKeyBytes = 128

// ClickKey returns the menu key that refers to id.
func ClickKey(id string) string { return clickKeyPrefix + id }

// ParseClickKey extracts the payload id from a click key.
func ParseClickKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, clickKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
