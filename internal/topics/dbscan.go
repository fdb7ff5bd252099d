package topics

import "math"

// dbscan clusters points keyed by id using cosine similarity. Two points are
// neighbors when their similarity is >= simThreshold. Points with fewer than
// minPts neighbors (including themselves) that don't fall inside another
// point's neighborhood are left unassigned; the spec's "noise" label (-1) is
// represented by the point's id being absent from the returned map (spec
// §4.7: "Noise points (label = -1) are ignored").
//
// No example repo ships a clustering library (grep across the pack's go.mod
// files turns up nothing), and DBSCAN is small enough that pulling in a
// dependency for it would just be a wrapper; implemented directly.
func dbscan(ids []string, vectors map[string][]float32, minPts int, simThreshold float64) map[string]int {
	labels := make(map[string]int, len(ids))
	visited := make(map[string]bool, len(ids))
	clusterID := 0

	neighbors := func(id string) []string {
		var out []string
		for _, other := range ids {
			if other == id {
				continue
			}
			if cosineSimilarity(vectors[id], vectors[other]) >= simThreshold {
				out = append(out, other)
			}
		}
		return out
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		visited[id] = true
		neigh := neighbors(id)
		if len(neigh)+1 < minPts {
			continue // provisional noise; may still be absorbed by another cluster's expansion below
		}

		labels[id] = clusterID
		seeds := append([]string(nil), neigh...)
		for idx := 0; idx < len(seeds); idx++ {
			q := seeds[idx]
			if !visited[q] {
				visited[q] = true
				qNeigh := neighbors(q)
				if len(qNeigh)+1 >= minPts {
					seeds = append(seeds, qNeigh...)
				}
			}
			if _, assigned := labels[q]; !assigned {
				labels[q] = clusterID
			}
		}
		clusterID++
	}
	return labels
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
