package storage

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var sizeBucketLabels = []string{"<1KB", "1KB-10KB", "10KB-100KB", "100KB-1MB", ">=1MB"}

// sizeDividers are the bucket bounds for stat.Histogram; each bucket is [lo, hi)
var sizeDividers = []float64{0, 1 << 10, 10 << 10, 100 << 10, 1 << 20, math.Inf(1)}

type sizedItem struct {
	key  string
	size int64
}

func (p *Provider) stats(st *appStore) (map[string]interface{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	items := make([]sizedItem, 0, len(st.items))
	for _, key := range st.sortedKeysLocked() {
		items = append(items, sizedItem{key: key, size: itemSize(key, st.items[key])})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].size < items[j].size })

	sizes := make([]float64, len(items))
	for i, it := range items {
		sizes[i] = float64(it.size)
	}

	counts := stat.Histogram(nil, sizeDividers, sizes, nil)
	distribution := make(map[string]int, len(sizeBucketLabels))
	for i, label := range sizeBucketLabels {
		distribution[label] = int(counts[i])
	}

	var (
		average, median, stdDev float64
		largest, smallest       map[string]interface{}
	)
	if n := len(items); n > 0 {
		average = stat.Mean(sizes, nil)
		median = stat.Quantile(0.5, stat.Empirical, sizes, nil)
		if n > 1 {
			stdDev = stat.StdDev(sizes, nil)
		}
		smallest = map[string]interface{}{"key": items[0].key, "size": items[0].size}
		largest = map[string]interface{}{"key": items[n-1].key, "size": items[n-1].size}
	}

	return map[string]interface{}{
		"itemCount":        len(items),
		"bytesUsed":        st.bytesUsed,
		"quota":            p.cfg.MaxQuota,
		"available":        p.cfg.MaxQuota - st.bytesUsed,
		"usagePercent":     float64(st.bytesUsed) / float64(p.cfg.MaxQuota) * 100,
		"averageItemSize":  average,
		"medianItemSize":   median,
		"stdDevItemSize":   stdDev,
		"largestItem":      largest,
		"smallestItem":     smallest,
		"sizeDistribution": distribution,
	}, nil
}
