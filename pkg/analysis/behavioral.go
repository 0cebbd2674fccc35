package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cylestio/cylestio-perimeter/pkg/models"
)

// DefaultSimilarityThreshold induces the cluster graph: sessions with
// signature Jaccard ≥ τ are connected.
const DefaultSimilarityThreshold = 0.6

// minSessionsForPercentiles is the batch size required before an agent's
// percentiles freeze.
const minSessionsForPercentiles = 5

// Outlier severity bins over Jaccard distance to the nearest centroid.
const (
	outlierMediumDistance   = 0.5
	outlierHighDistance     = 0.7
	outlierCriticalDistance = 0.85
)

// SessionArtifacts carries the (features, signature) pair computed for a
// session that did not have one cached; the caller persists it onto the
// session row.
type SessionArtifacts struct {
	SessionID string
	Features  *models.SessionFeatures
	Signature []uint64
}

// AnalyzeAgentBehavior clusters an agent's completed sessions by MinHash
// similarity. It returns the behavioral result, the freshly computed
// percentiles when this batch froze them (nil otherwise), and the artifacts
// computed for sessions that lacked cached ones.
func AnalyzeAgentBehavior(sessions []*models.Session, cached models.Percentiles, threshold float64) (*models.BehavioralResult, models.Percentiles, []SessionArtifacts) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	var completed []*models.Session
	for _, s := range sessions {
		if s.IsCompleted {
			completed = append(completed, s)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CreatedAt.Before(completed[j].CreatedAt)
	})

	result := &models.BehavioralResult{TotalSessions: len(completed)}
	if len(completed) < 2 {
		result.Interpretation = "Waiting for at least 2 completed sessions before clustering."
		return result, nil, nil
	}

	// Load or compute features; the cached copy on the session row wins.
	featuresBySession := make(map[string]*models.SessionFeatures, len(completed))
	allFeatures := make([]*models.SessionFeatures, 0, len(completed))
	for _, s := range completed {
		f := s.BehavioralFeatures
		if f == nil {
			f = ExtractFeatures(s)
		}
		featuresBySession[s.SessionID] = f
		allFeatures = append(allFeatures, f)
	}

	// Freeze percentiles from the first sufficient batch. They never change
	// afterwards: bucketing determinism keeps historical signatures
	// comparable to new ones.
	var frozen models.Percentiles
	effective := cached
	if effective == nil && len(completed) >= minSessionsForPercentiles {
		frozen = ComputePercentiles(allFeatures)
		effective = frozen
	}

	// Load or compute signatures.
	var artifacts []SessionArtifacts
	signatures := make(map[string][]uint64, len(completed))
	for _, s := range completed {
		sig := s.BehavioralSignature
		if sig == nil {
			sig = MinHashSignature(Shingles(featuresBySession[s.SessionID], effective))
			artifacts = append(artifacts, SessionArtifacts{
				SessionID: s.SessionID,
				Features:  featuresBySession[s.SessionID],
				Signature: sig,
			})
		}
		signatures[s.SessionID] = sig
		result.AnalyzedSessionIDs = append(result.AnalyzedSessionIDs, s.SessionID)
	}

	// Connected components of the τ-threshold similarity graph.
	components := connectedComponents(completed, signatures, threshold)

	var clusterMembers [][]*models.Session
	var outlierSessions []*models.Session
	for _, component := range components {
		if len(component) >= 2 {
			clusterMembers = append(clusterMembers, component)
		} else {
			outlierSessions = append(outlierSessions, component[0])
		}
	}
	sort.Slice(clusterMembers, func(i, j int) bool {
		return len(clusterMembers[i]) > len(clusterMembers[j])
	})

	total := len(completed)
	centroids := make(map[string][]uint64, len(clusterMembers))
	for i, members := range clusterMembers {
		clusterID := fmt.Sprintf("cluster_%d", i)
		info := describeCluster(clusterID, members, featuresBySession, total)
		result.Clusters = append(result.Clusters, info)
		centroids[clusterID] = centroidSignature(members, signatures)
	}

	result.CentroidDistances = centroidDistances(result.Clusters, centroids)

	for _, s := range outlierSessions {
		result.Outliers = append(result.Outliers,
			describeOutlier(s, signatures[s.SessionID], featuresBySession[s.SessionID], result.Clusters, centroids))
	}

	result.NumClusters = len(result.Clusters)
	result.NumOutliers = len(result.Outliers)
	if len(result.Clusters) > 0 {
		result.StabilityScore = float64(result.Clusters[0].Size) / float64(total)
	}
	result.PredictabilityScore = 1 - float64(result.NumOutliers)/float64(total)
	result.ClusterDiversity = clusterDiversity(result.Clusters, total)
	result.Interpretation = interpret(result)

	return result, frozen, artifacts
}

// connectedComponents unions sessions whose signature similarity meets the
// threshold and returns the resulting groups.
func connectedComponents(sessions []*models.Session, signatures map[string][]uint64, threshold float64) [][]*models.Session {
	parent := make([]int, len(sessions))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			sim := JaccardSimilarity(signatures[sessions[i].SessionID], signatures[sessions[j].SessionID])
			if sim >= threshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]*models.Session)
	for i, s := range sessions {
		root := find(i)
		groups[root] = append(groups[root], s)
	}
	out := make([][]*models.Session, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	// Deterministic ordering by first member's creation time.
	sort.Slice(out, func(i, j int) bool {
		return out[i][0].CreatedAt.Before(out[j][0].CreatedAt)
	})
	return out
}

func describeCluster(clusterID string, members []*models.Session, features map[string]*models.SessionFeatures, total int) models.ClusterInfo {
	var durations, tokens, toolCalls []float64
	toolCounts := make(map[string]int)
	modelCounts := make(map[string]int)
	var collapsedSeqs [][]string
	var sessionIDs []string

	for _, s := range members {
		f := features[s.SessionID]
		sessionIDs = append(sessionIDs, s.SessionID)
		durations = append(durations, f.SessionDuration)
		tokens = append(tokens, float64(f.TotalTokens))
		toolCalls = append(toolCalls, float64(f.TotalToolCalls))
		for _, tool := range f.ToolsUsed {
			toolCounts[tool]++
		}
		for _, model := range f.LLMModels {
			modelCounts[model]++
		}
		collapsedSeqs = append(collapsedSeqs, CollapseSequence(f.ToolSequences))
	}

	confidence := "normal"
	if len(members) < 3 {
		confidence = "low"
	}

	characteristics := models.ClusterCharacteristics{
		TypicalDurationSec:    percentile(durations, 50),
		TypicalDurationRange:  []float64{percentile(durations, 10), percentile(durations, 90)},
		TypicalToolCalls:      int(percentile(toolCalls, 50)),
		TypicalToolCallsRange: []int{int(percentile(toolCalls, 10)), int(percentile(toolCalls, 90))},
		TypicalTokens:         int(percentile(tokens, 50)),
		TypicalTokensRange:    []int{int(percentile(tokens, 10)), int(percentile(tokens, 90))},
		CommonTools:           topN(toolCounts, 3),
		CommonToolSequence:    strings.Join(longestCommonPrefix(collapsedSeqs), " → "),
		CommonModels:          topN(modelCounts, 3),
	}

	info := models.ClusterInfo{
		ClusterID:       clusterID,
		Size:            len(members),
		Percentage:      float64(len(members)) / float64(total) * 100,
		SessionIDs:      sessionIDs,
		Characteristics: characteristics,
		Confidence:      confidence,
	}
	info.Insights = clusterInsights(info)
	return info
}

func clusterInsights(info models.ClusterInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d sessions (%.0f%%) follow this pattern", info.Size, info.Percentage)
	if len(info.Characteristics.CommonTools) > 0 {
		fmt.Fprintf(&b, ", typically using %s", strings.Join(info.Characteristics.CommonTools, ", "))
	}
	fmt.Fprintf(&b, "; median duration %.0fs with ~%d tokens.",
		info.Characteristics.TypicalDurationSec, info.Characteristics.TypicalTokens)
	return b.String()
}

// centroidSignature is the element-wise mode over member signatures, with
// first-seen winning ties.
func centroidSignature(members []*models.Session, signatures map[string][]uint64) []uint64 {
	centroid := make([]uint64, SignatureWidth)
	for i := 0; i < SignatureWidth; i++ {
		counts := make(map[uint64]int)
		order := make([]uint64, 0, len(members))
		for _, s := range members {
			v := signatures[s.SessionID][i]
			if counts[v] == 0 {
				order = append(order, v)
			}
			counts[v]++
		}
		best := order[0]
		for _, v := range order {
			if counts[v] > counts[best] {
				best = v
			}
		}
		centroid[i] = best
	}
	return centroid
}

func centroidDistances(clusters []models.ClusterInfo, centroids map[string][]uint64) []models.CentroidDistance {
	var out []models.CentroidDistance
	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			distance := JaccardDistance(centroids[clusters[i].ClusterID], centroids[clusters[j].ClusterID])
			out = append(out, models.CentroidDistance{
				FromCluster:     clusters[i].ClusterID,
				ToCluster:       clusters[j].ClusterID,
				Distance:        distance,
				SimilarityScore: 1 - distance,
			})
		}
	}
	return out
}

func describeOutlier(session *models.Session, signature []uint64, features *models.SessionFeatures, clusters []models.ClusterInfo, centroids map[string][]uint64) models.OutlierInfo {
	nearestID := ""
	nearestDistance := 1.0
	for _, cluster := range clusters {
		d := JaccardDistance(signature, centroids[cluster.ClusterID])
		if nearestID == "" || d < nearestDistance {
			nearestID = cluster.ClusterID
			nearestDistance = d
		}
	}

	severity := "low"
	switch {
	case nearestDistance >= outlierCriticalDistance:
		severity = "critical"
	case nearestDistance >= outlierHighDistance:
		severity = "high"
	case nearestDistance >= outlierMediumDistance:
		severity = "medium"
	}

	causes := outlierCauses(features, nearestID, clusters)
	recommendations := []string{
		"Review the session timeline for unexpected tool usage or spikes.",
	}
	if severity == "high" || severity == "critical" {
		recommendations = append(recommendations,
			"Investigate whether this behavior indicates prompt injection or tool misuse.")
	}

	return models.OutlierInfo{
		SessionID:                 session.SessionID,
		AnomalyScore:              nearestDistance,
		Severity:                  severity,
		DistanceToNearestCentroid: nearestDistance,
		NearestClusterID:          nearestID,
		PrimaryCauses:             causes,
		Recommendations:           recommendations,
	}
}

// outlierCauses compares the outlier's feature values to the nearest
// cluster's typical ranges.
func outlierCauses(features *models.SessionFeatures, nearestID string, clusters []models.ClusterInfo) []string {
	var causes []string
	var nearest *models.ClusterInfo
	for i := range clusters {
		if clusters[i].ClusterID == nearestID {
			nearest = &clusters[i]
			break
		}
	}
	if nearest == nil {
		return []string{"no behavioral cluster established for this agent"}
	}

	c := nearest.Characteristics
	if len(c.TypicalDurationRange) == 2 {
		if features.SessionDuration > c.TypicalDurationRange[1] {
			causes = append(causes, "session duration above the typical range")
		} else if features.SessionDuration < c.TypicalDurationRange[0] {
			causes = append(causes, "session duration below the typical range")
		}
	}
	if len(c.TypicalTokensRange) == 2 {
		if features.TotalTokens > c.TypicalTokensRange[1] {
			causes = append(causes, "token usage above the typical range")
		} else if features.TotalTokens < c.TypicalTokensRange[0] {
			causes = append(causes, "token usage below the typical range")
		}
	}
	if len(c.TypicalToolCallsRange) == 2 {
		if features.TotalToolCalls > c.TypicalToolCallsRange[1] {
			causes = append(causes, "tool call count above the typical range")
		} else if features.TotalToolCalls < c.TypicalToolCallsRange[0] {
			causes = append(causes, "tool call count below the typical range")
		}
	}

	common := make(map[string]struct{}, len(c.CommonTools))
	for _, tool := range c.CommonTools {
		common[tool] = struct{}{}
	}
	var unusual []string
	for _, tool := range features.ToolsUsed {
		if _, ok := common[tool]; !ok {
			unusual = append(unusual, tool)
		}
	}
	if len(unusual) > 0 {
		causes = append(causes, "uses tools uncommon for the nearest cluster: "+strings.Join(unusual, ", "))
	}

	if len(causes) == 0 {
		causes = append(causes, "low signature overlap with every established cluster")
	}
	return causes
}

// clusterDiversity is the Shannon entropy of the cluster-size distribution,
// normalized to [0,1] by the maximum entropy for that cluster count.
func clusterDiversity(clusters []models.ClusterInfo, total int) float64 {
	if len(clusters) <= 1 || total == 0 {
		return 0
	}
	var entropy float64
	for _, cluster := range clusters {
		p := float64(cluster.Size) / float64(total)
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy / math.Log2(float64(len(clusters)))
}

func interpret(result *models.BehavioralResult) string {
	switch {
	case result.NumClusters == 0:
		return fmt.Sprintf("No stable behavioral pattern yet across %d sessions; every session is currently an outlier.", result.TotalSessions)
	case result.StabilityScore >= 0.8 && result.PredictabilityScore >= 0.9:
		return fmt.Sprintf("Highly consistent behavior: %.0f%% of sessions share one dominant pattern.", result.StabilityScore*100)
	case result.NumClusters == 1:
		return fmt.Sprintf("One behavioral pattern covers %.0f%% of sessions with %d outliers.", result.StabilityScore*100, result.NumOutliers)
	default:
		return fmt.Sprintf("%d behavioral patterns across %d sessions; largest covers %.0f%%, %d outliers.",
			result.NumClusters, result.TotalSessions, result.StabilityScore*100, result.NumOutliers)
	}
}

// topN returns the n highest-count keys, ties broken alphabetically.
func topN(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// longestCommonPrefix over collapsed tool sequences.
func longestCommonPrefix(sequences [][]string) []string {
	if len(sequences) == 0 {
		return nil
	}
	prefix := sequences[0]
	for _, seq := range sequences[1:] {
		var i int
		for i = 0; i < len(prefix) && i < len(seq); i++ {
			if prefix[i] != seq[i] {
				break
			}
		}
		prefix = prefix[:i]
		if len(prefix) == 0 {
			return nil
		}
	}
	return prefix
}
