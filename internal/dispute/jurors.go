package dispute

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"math/rand"
	"sort"

	"github.com/google/uuid"
)

// candidate is an eligible juror with its selection weight (stake x trust
// score). The weight is also the Tier 3 voting weight, snapshotted at panel
// selection so later stake changes cannot move a live tally.
type candidate struct {
	DID    string
	Weight *big.Int
}

// panelSeed derives a deterministic selection seed from the dispute identity
// and appeal round, so panel selection is reproducible and not operator
// influenced.
func panelSeed(disputeID uuid.UUID, round int) int64 {
	h := sha256.New()
	h.Write(disputeID[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(round))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// selectPanel draws n distinct jurors from candidates, weighted by stake x
// trust score, without replacement. Candidates are sorted by DID first so the
// draw depends only on the seed and the candidate set.
func selectPanel(candidates []candidate, n int, seed int64) []candidate {
	pool := make([]candidate, len(candidates))
	copy(pool, candidates)
	sort.Slice(pool, func(i, j int) bool { return pool[i].DID < pool[j].DID })

	rng := rand.New(rand.NewSource(seed))
	panel := make([]candidate, 0, n)
	weights := make([]float64, len(pool))
	for i, c := range pool {
		w, _ := new(big.Float).SetInt(c.Weight).Float64()
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}

	for len(panel) < n && len(pool) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		pick := rng.Float64() * total
		idx := len(pool) - 1
		for i, w := range weights {
			pick -= w
			if pick < 0 {
				idx = i
				break
			}
		}
		panel = append(panel, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return panel
}

// panelSize is the number of jurors for a tier and appeal round. Appeals
// double the panel, capped at the community-tier maximum.
func panelSize(base, round int) int {
	size := base << uint(round)
	if size > maxPanel {
		return maxPanel
	}
	return size
}
