// Package extract pulls structured entities out of a message's plain text
// with pure regex passes — no I/O, no network calls. Ported field-for-field
// from the reference implementation's entity_extractor.py: hashtags,
// mentions, URLs, Telegram deep links, decimal-degree coordinate pairs,
// known military unit patterns, and known equipment names.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/archivist/tgarchiver/internal/domain/message"
)

var (
	hashtagPattern = regexp.MustCompile(`#[\p{L}0-9_]+`)
	mentionPattern = regexp.MustCompile(`@[a-zA-Z0-9_]{5,32}`)
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	tgLinkPattern  = regexp.MustCompile(`(?i)t\.me/[a-zA-Z0-9_/]+`)

	// coordinatePattern matches decimal-degree pairs like "50.4501° N, 30.5234° E".
	coordinatePattern = regexp.MustCompile(`(-?\d+\.\d+)[°\s]*([NSns]),?\s*(-?\d+\.\d+)[°\s]*([EWew])`)

	// militaryUnitPatterns and equipmentPatterns are ported verbatim from the
	// reference implementation; each is matched independently and results
	// merged, mirroring the Python's per-pattern findall loop.
	militaryUnitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\d+[-\s]*(бригада|механізована|штурмова|танкова|десантна)`),
		regexp.MustCompile(`(?i)\d+[-\s]*(brigade|mechanized|assault|tank|airborne)`),
		regexp.MustCompile(`(?i)(азов|kraken|da vinci|вовки|шторм|тро)`),
		regexp.MustCompile(`(?i)\d+[-\s]*(бригада|мотострелковая|танковая)`),
		regexp.MustCompile(`(?i)(вагнер|wagner|чвк)`),
	}
	equipmentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(javelin|nlaw|stinger|m777|himars|mlrs|patriot|iris-t)\b`),
		regexp.MustCompile(`(?i)\b(abrams|leopard|challenger|bradley|stryker|marder)\b`),
		regexp.MustCompile(`(?i)\b(f-16|f-15|mig-29|su-27|su-25)\b`),
		regexp.MustCompile(`(?i)\b(bayraktar|orlan|shahed|geran|lancet|switchblade)\b`),
		regexp.MustCompile(`(?i)\b(т-72|т-80|т-90|bmp|btr|btр)\b`),
	}
)

// Extract runs every entity pattern over text and returns a message.Entities
// value with empty categories omitted, matching spec.md §4.6 step 3. When
// excludeChannel is non-empty, mentions and Telegram deep links that refer
// to that channel (by username, with or without a leading "@") are dropped —
// this is the self-reference filter spec.md calls out to prevent a channel's
// own promo link from showing up as one of its extracted entities.
func Extract(text string, excludeChannel string) message.Entities {
	var out message.Entities
	if strings.TrimSpace(text) == "" {
		return out
	}

	excluded := strings.ToLower(strings.TrimPrefix(excludeChannel, "@"))

	out.Hashtags = dedupe(hashtagPattern.FindAllString(text, -1))

	mentions := mentionPattern.FindAllString(text, -1)
	if excluded != "" {
		mentions = filterOut(mentions, func(m string) bool {
			return strings.ToLower(strings.TrimPrefix(m, "@")) == excluded
		})
	}
	out.Mentions = dedupe(mentions)

	out.URLs = dedupe(urlPattern.FindAllString(text, -1))

	links := tgLinkPattern.FindAllString(text, -1)
	if excluded != "" {
		links = filterOut(links, func(link string) bool {
			return linkTargetsChannel(link, excluded)
		})
	}
	out.TelegramLinks = dedupe(links)

	out.Coordinates = dedupe(extractCoordinates(text))

	var militaryUnits []string
	for _, p := range militaryUnitPatterns {
		militaryUnits = append(militaryUnits, matchGroups(p, text)...)
	}
	out.MilitaryUnits = dedupe(militaryUnits)

	var equipment []string
	for _, p := range equipmentPatterns {
		equipment = append(equipment, matchGroups(p, text)...)
	}
	out.Equipment = dedupe(equipment)

	return out
}

// linkTargetsChannel reports whether a t.me link's first path segment names
// excluded, handling both "t.me/username" and "t.me/username/123" forms.
func linkTargetsChannel(link, excluded string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(link), "t.me/")
	parts := strings.Split(trimmed, "/")
	return len(parts) > 0 && parts[0] == excluded
}

// extractCoordinates converts each (lat, hemisphere, lon, hemisphere) match
// into a signed "lat,lon" decimal-degree string.
func extractCoordinates(text string) []string {
	matches := coordinatePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		lat, errLat := strconv.ParseFloat(m[1], 64)
		lon, errLon := strconv.ParseFloat(m[3], 64)
		if errLat != nil || errLon != nil {
			continue
		}
		if !strings.EqualFold(m[2], "N") {
			lat = -lat
		}
		if !strings.EqualFold(m[4], "E") {
			lon = -lon
		}
		out = append(out, fmt.Sprintf("%g,%g", lat, lon))
	}
	return out
}

// matchGroups returns, for each match of p, its first capture group if the
// pattern has one, else the whole match — mirroring Python re.findall's
// behavior of returning the captured group tuple when a pattern has groups.
func matchGroups(p *regexp.Regexp, text string) []string {
	matches := p.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 && m[1] != "" {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func filterOut(in []string, drop func(string) bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out
}
