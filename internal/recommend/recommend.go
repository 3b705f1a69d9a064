// Package recommend derives catalog genre filters from a user's favorite
// genre labels.
package recommend

import "strconv"

// maxGenreIDs caps how many genre filters one recommendation query uses.
const maxGenreIDs = 3

// genreIDs maps preference labels to the catalog's stable genre ids.
var genreIDs = map[string]int64{
	"Action":        1,
	"Adventure":     2,
	"Comedy":        4,
	"Drama":         8,
	"Fantasy":       10,
	"Horror":        14,
	"Mystery":       7,
	"Romance":       22,
	"Sci-Fi":        24,
	"Slice of Life": 36,
	"Sports":        30,
	"Supernatural":  37,
	"Thriller":      41,
}

// Labels returns the selectable genre labels in display order.
func Labels() []string {
	return []string{
		"Action", "Adventure", "Comedy", "Drama", "Fantasy",
		"Horror", "Mystery", "Romance", "Sci-Fi", "Slice of Life",
		"Sports", "Supernatural", "Thriller",
	}
}

// MapGenreIDs resolves labels to catalog genre ids. Unknown labels are
// silently dropped and at most the first three resolved ids are kept,
// preserving input order. An empty result means no recommendation query
// should be issued.
func MapGenreIDs(labels []string) []int64 {
	ids := make([]int64, 0, maxGenreIDs)
	for _, label := range labels {
		id, ok := genreIDs[label]
		if !ok {
			continue
		}
		ids = append(ids, id)
		if len(ids) == maxGenreIDs {
			break
		}
	}
	return ids
}

// JoinIDs renders ids as the comma-separated filter value the catalog
// expects.
func JoinIDs(ids []int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(id, 10)
	}
	return out
}
