package retrieval

import "sort"

// Channel names a sub-retrieval.
type Channel string

const (
	ChannelLexical Channel = "lexical"
	ChannelDense   Channel = "dense"
	ChannelGraph   Channel = "graph"
)

// DefaultRRFK is the rank offset of reciprocal-rank fusion.
const DefaultRRFK = 60

// DefaultWeights weight the channels in fusion. The graph channel is
// slightly discounted; its hits are reached indirectly through entities.
var DefaultWeights = map[Channel]float64{
	ChannelLexical: 1.0,
	ChannelDense:   1.0,
	ChannelGraph:   0.9,
}

// rankedList is one channel's answer, best first.
type rankedList struct {
	channel Channel
	ids     []string
}

type candidate struct {
	id       string
	score    float64
	best     int
	channels []Channel
}

// fuse merges ranked lists with weighted reciprocal-rank fusion:
// score(id) = sum over lists of weight / (k + rank), rank starting at 1.
// A list that repeats an id only counts its first position. Ties are broken
// by the best single rank, then by id.
func fuse(lists []rankedList, weights map[Channel]float64, k int) []candidate {
	if k <= 0 {
		k = DefaultRRFK
	}
	byID := make(map[string]*candidate)
	var order []*candidate
	for _, l := range lists {
		w, ok := weights[l.channel]
		if !ok {
			w = 1
		}
		seen := make(map[string]bool, len(l.ids))
		rank := 0
		for _, id := range l.ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			rank++
			c := byID[id]
			if c == nil {
				c = &candidate{id: id, best: rank}
				byID[id] = c
				order = append(order, c)
			}
			c.score += w / float64(k+rank)
			c.best = min(c.best, rank)
			c.channels = append(c.channels, l.channel)
		}
	}

	out := make([]candidate, len(order))
	for i, c := range order {
		out[i] = *c
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].best != out[j].best {
			return out[i].best < out[j].best
		}
		return out[i].id < out[j].id
	})
	return out
}
