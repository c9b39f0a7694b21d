package messaging

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// NormalizeSearch folds a name or query into the comparable form used by user search:
// NFKC-normalized, case-folded, inner whitespace collapsed.
// "  ÉLODIE " and "élodie" normalize identically.
func NormalizeSearch(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// nameMatches reports whether the normalized query is a substring of the
// first or the last name.
func nameMatches(p v1.Profile, query string) bool {
	if query == "" {
		return false
	}
	return strings.Contains(NormalizeSearch(p.FirstName), query) ||
		strings.Contains(NormalizeSearch(p.LastName), query)
}

// sortUsers orders search results by last name, first name, id.
func sortUsers(users []v1.ChatUserProfile) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if la, lb := NormalizeSearch(a.LastName), NormalizeSearch(b.LastName); la != lb {
			return la < lb
		}
		if fa, fb := NormalizeSearch(a.FirstName), NormalizeSearch(b.FirstName); fa != fb {
			return fa < fb
		}
		return a.ID < b.ID
	})
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
