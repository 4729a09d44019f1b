package providers

import (
	"sort"

	"github.com/datadrivensurveys/dds/internal/models"
)

// rankByFrequency returns the text value of attr ranked by occurrence
// count at the given position (0 = most frequent). Count ties break on
// first appearance in fetch order so the ranking is stable. Returns the
// zero value when the collection has fewer distinct values than rank+1.
func rankByFrequency(items []models.DataItem, attr string, rank int) models.Value {
	type entry struct {
		text  string
		count int
		first int
	}
	byText := map[string]*entry{}
	var order []*entry
	for i, it := range items {
		v, ok := it.Get(attr)
		if !ok || v.Type != models.TypeText || v.Text == "" {
			continue
		}
		e, ok := byText[v.Text]
		if !ok {
			e = &entry{text: v.Text, first: i}
			byText[v.Text] = e
			order = append(order, e)
		}
		e.count++
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})
	if rank < 0 || rank >= len(order) {
		return models.Value{}
	}
	return models.TextValue(order[rank].text)
}

func intPtr(i int) *int { return &i }
