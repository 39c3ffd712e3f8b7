package search

import (
	"regexp"
	"strings"

	"github.com/JeremiahM37/librarr/internal/librarr"
)

var (
	suspiciousKeywords = regexp.MustCompile(
		`(?i)\.(exe|msi|bat|scr|com|vbs|js|ps1|cmd)\b|password|keygen|crack|warez|DevCourseWeb`)
	wordPattern    = regexp.MustCompile(`\w+`)
	nonAlnum       = regexp.MustCompile(`[^a-z0-9]`)
	titleStopwords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "at": {},
		"to": {}, "for": {}, "and": {}, "or": {}, "is": {}, "it": {}, "by": {},
	}
)

const (
	minTorrentSize = 10_000
	maxTorrentSize = 500_000_000
)

// titleRelevant reports whether the result title shares at least one
// meaningful word with the query. Stopwords never count as overlap.
func titleRelevant(query, title string) bool {
	q := meaningfulWords(query)
	t := meaningfulWords(title)
	if len(q) == 0 || len(t) == 0 {
		return false
	}
	for w := range q {
		if _, ok := t[w]; ok {
			return true
		}
	}
	return false
}

func meaningfulWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if _, stop := titleStopwords[w]; stop {
			continue
		}
		words[w] = struct{}{}
	}
	return words
}

// normalizeTitle collapses a title to its first 60 lowercase alphanumeric
// characters, the key used to spot near-duplicate torrent listings.
func normalizeTitle(title string) string {
	norm := nonAlnum.ReplaceAllString(strings.ToLower(title), "")
	if len(norm) > 60 {
		norm = norm[:60]
	}
	return norm
}

// FilterResults drops junk and near-duplicates from raw source results.
// Torrent results must have a seeder, a plausible size, and a relevant
// title; of duplicate torrent titles the better-seeded copy wins.
// Audiobook results need either a seeder or a resolvable page. Results in
// other categories only pass the suspicious-keyword screen.
func FilterResults(results []librarr.Result, query string) []librarr.Result {
	filtered := make([]librarr.Result, 0, len(results))
	seenTorrents := make(map[string]int) // normalized title -> index in filtered

	for _, r := range results {
		if suspiciousKeywords.MatchString(r.Title) {
			continue
		}

		switch r.Category {
		case "torrent":
			if r.Seeders < 1 {
				continue
			}
			if r.Size != 0 && (r.Size < minTorrentSize || r.Size > maxTorrentSize) {
				continue
			}
			if !titleRelevant(query, r.Title) {
				continue
			}
			norm := normalizeTitle(r.Title)
			if idx, dup := seenTorrents[norm]; dup {
				if r.Seeders > filtered[idx].Seeders {
					// The winner moves to the end of the list; everything
					// after the evicted loser shifts down one slot.
					filtered = append(filtered[:idx], filtered[idx+1:]...)
					for k, v := range seenTorrents {
						if v > idx {
							seenTorrents[k] = v - 1
						}
					}
					seenTorrents[norm] = len(filtered)
					filtered = append(filtered, r)
				}
				continue
			}
			seenTorrents[norm] = len(filtered)
		case "audiobook":
			if r.Seeders < 1 && r.PageURL == "" {
				continue
			}
			if !titleRelevant(query, r.Title) {
				continue
			}
		}

		filtered = append(filtered, r)
	}
	return filtered
}
