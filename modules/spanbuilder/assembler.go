package spanbuilder

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// The five mandatory span names of the storage fabric's event taxonomy.
const (
	GetProvidersClient = "GET_PROVIDERS_CLIENT"
	GetProvidersServer = "GET_PROVIDERS_SERVER"
	BitswapClient      = "BITSWAP_CLIENT"
	BitswapServer      = "BITSWAP_SERVER"
	ReadFromFileStore  = "READ_FROM_FILE_STORE"
)

var mandatorySpanNames = []string{
	GetProvidersClient,
	GetProvidersServer,
	BitswapClient,
	BitswapServer,
	ReadFromFileStore,
}

const (
	stageStart = "START"
	stageEnd   = "END"
)

// ParseEventType splits a wire eventType on its last underscore. The
// suffix must be exactly START or END.
func ParseEventType(eventType string) (spanName, stage string, err error) {
	idx := strings.LastIndex(eventType, "_")
	if idx <= 0 {
		return "", "", fmt.Errorf("malformed event type %q", eventType)
	}

	spanName, stage = eventType[:idx], eventType[idx+1:]
	if stage != stageStart && stage != stageEnd {
		return "", "", fmt.Errorf("event type %q does not end with _START or _END", eventType)
	}

	return spanName, stage, nil
}

// AssembledSpan is a candidate span materialized from a complete
// PartialSpan.
type AssembledSpan struct {
	SpanID       string
	NodeID       string
	PeerNodeID   string
	SpanName     string
	StartNs      int64
	EndNs        int64
	ParentSpanID string
}

// SpanID derives the deterministic span identity: the first 16 hex chars
// of the MD5 of "<trace>_<node>_<peer>_<name>". Wire span ids are
// ignored so dedupe works across emitter retries.
func SpanID(traceID, nodeID, peerNodeID, spanName string) string {
	sum := md5.Sum([]byte(traceID + "_" + nodeID + "_" + peerNodeID + "_" + spanName))
	return hex.EncodeToString(sum[:])[:16]
}

// parentEdge names the parent span type of a child and whether that
// parent lives on the child's peer node or on the same node.
type parentEdge struct {
	spanName string
	sameNode bool
}

// The fixed causal graph: client-initiates-server across nodes, plus the
// same-node read-from-store edge. Span names absent from this map are
// roots.
var parentEdges = map[string]parentEdge{
	GetProvidersServer: {spanName: GetProvidersClient},
	BitswapServer:      {spanName: BitswapClient},
	ReadFromFileStore:  {spanName: BitswapServer, sameNode: true},
}

// assembleCandidates materializes one AssembledSpan per complete entry
// in the bucket.
func assembleCandidates(traceID string, b *TraceBucket) []AssembledSpan {
	candidates := make([]AssembledSpan, 0, len(b.events))
	for key, ps := range b.events {
		if !ps.complete() {
			continue
		}
		candidates = append(candidates, AssembledSpan{
			SpanID:     SpanID(traceID, key.NodeID, key.PeerNodeID, key.SpanName),
			NodeID:     key.NodeID,
			PeerNodeID: key.PeerNodeID,
			SpanName:   key.SpanName,
			StartNs:    ps.StartNs,
			EndNs:      ps.EndNs,
		})
	}
	return candidates
}

// gateOpen reports whether every mandatory span name is present among
// the complete candidates. No span of a trace is published before its
// missing peers have reported.
func gateOpen(candidates []AssembledSpan) bool {
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.SpanName] = true
	}
	for _, name := range mandatorySpanNames {
		if !seen[name] {
			return false
		}
	}
	return true
}

// resolveParent locates the candidate's parent per the causal graph and
// returns its span id. ok is false when the required partner has not yet
// completed, which makes the candidate not emittable. Roots resolve to
// the empty parent id.
func resolveParent(span AssembledSpan, candidates []AssembledSpan) (parentID string, ok bool) {
	edge, hasParent := parentEdges[span.SpanName]
	if !hasParent {
		return "", true
	}

	wantNode := span.PeerNodeID
	if edge.sameNode {
		wantNode = span.NodeID
	}

	for _, c := range candidates {
		if c.SpanName == edge.spanName && c.NodeID == wantNode {
			return c.SpanID, true
		}
	}

	return "", false
}
