package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"html"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

var (
	policy        = bluemonday.UGCPolicy()
	textPolicy    = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	escapedRegex  = regexp.MustCompile(`(?:%[0-9A-Fa-f]{2})+`)
	markerRegex   = regexp.MustCompile(`\[(img|video|media)\](\S+?)\[/(?:img|video|media)\]`)
)

// Sanitize removes unsafe HTML from the input string. The result is HTML.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// StripMarkup removes all markup and returns plain text, so characters
// such as ' & < " come back as typed.
func StripMarkup(input string) string {
	return html.UnescapeString(textPolicy.Sanitize(input))
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// EncodeEmoji percent-encodes runes outside the Basic Multilingual Plane.
// The server stores text in a charset that cannot hold them.
func EncodeEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > 0xFFFF {
			b.WriteString(url.QueryEscape(string(r)))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DecodeEmoji turns percent-encoded UTF-8 sequences back into glyphs.
// Sequences that do not decode to non-ASCII UTF-8 are left untouched.
func DecodeEmoji(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	return escapedRegex.ReplaceAllStringFunc(s, func(seq string) string {
		decoded, err := url.PathUnescape(seq)
		if err != nil || !utf8.ValidString(decoded) || isASCII(decoded) {
			return seq
		}
		return decoded
	})
}

// Normalize turns wire text into plain display text: emoji are decoded and
// markup stripped. Content that is a JSON object keeps its shape and has
// each of its string values normalized instead.
func Normalize(raw string) string {
	text := DecodeEmoji(raw)

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var nested map[string]any
		if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(normalizeNested(nested)); err == nil {
				return strings.TrimSuffix(buf.String(), "\n")
			}
		}
	}

	return StripMarkup(text)
}

func normalizeNested(v any) any {
	switch t := v.(type) {
	case string:
		return StripMarkup(DecodeEmoji(t))
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNested(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNested(val)
		}
		return t
	default:
		return v
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

type Media struct {
	Kind MediaKind
	URL  string
}

// ImageMarker and VideoMarker embed an uploaded file reference in text.
func ImageMarker(u string) string { return "[img]" + u + "[/img]" }
func VideoMarker(u string) string { return "[video]" + u + "[/video]" }

// ExtractMedia returns the inline media references found in text, in order.
func ExtractMedia(text string) []Media {
	matches := markerRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	media := make([]Media, 0, len(matches))
	for _, m := range matches {
		kind := MediaKind(m[1])
		if kind == "media" {
			kind = KindOf(m[2])
		}
		media = append(media, Media{Kind: kind, URL: m[2]})
	}
	return media
}

// KindOf classifies a media URL by its file extension.
func KindOf(rawURL string) MediaKind {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return MediaFile
	}

	switch filetype.GetType(ext).MIME.Type {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	default:
		return MediaFile
	}
}
