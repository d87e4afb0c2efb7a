// Package graph holds the knowledge graph of entities and relationships
// extracted from chunks, and the generative extraction that feeds it.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/kalambet/lexrag/internal/lawdoc"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("graph: not found")

// Store is the graph store contract shared by the index manager and the
// graph retrieval channel.
type Store interface {
	UpsertNode(ctx context.Context, n Node) (Node, error)
	EnsureNode(ctx context.Context, name, displayName string) (Node, error)
	GetNodeByName(ctx context.Context, name string) (Node, error)
	UpsertEdge(ctx context.Context, e Edge) (Edge, error)
	AddMentions(ctx context.Context, chunkID string, nodeIDs []string) error
	Traverse(ctx context.Context, seeds []string, depth int) (Subgraph, error)
	MatchNodes(ctx context.Context, terms []string, limit int) ([]Node, error)
	ChunksForNodes(ctx context.Context, nodeIDs []string, limit int) ([]string, error)
}

// Node is an entity. Name is the normalized merge key; Descriptions
// accumulates every description seen, Description is their summary.
type Node struct {
	ID           string
	Name         string
	DisplayName  string
	Type         string
	Description  string
	Descriptions []string
	// Placeholder marks a node created only because a relationship named it.
	Placeholder bool
	UpdatedAt   time.Time
}

type Edge struct {
	ID          string
	SourceID    string
	TargetID    string
	Relation    string
	Description string
	Weight      float64
	UpdatedAt   time.Time
}

type Subgraph struct {
	Nodes []Node
	Edges []Edge
}

// Normalize returns the merge key of an entity name: NFC, lower case, single
// spaces, no surrounding quotes.
func Normalize(name string) string {
	s := norm.NFC.String(name)
	s = strings.Trim(s, "\"'“”‘’ \t\n")
	return strings.ToLower(lawdoc.CollapseSpaces(s))
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the graph in the graph_nodes, graph_edges and
// graph_mentions tables of the main database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const nodeColumns = `id, name, display_name, type, description, descriptions_json, placeholder, updated_at`

// UpsertNode writes n keyed by its normalized name and returns the stored
// node. Merging descriptions is the caller's job.
func (s *SQLiteStore) UpsertNode(ctx context.Context, n Node) (Node, error) {
	n.Name = Normalize(n.Name)
	if n.Name == "" {
		return Node{}, fmt.Errorf("node without a name")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.DisplayName == "" {
		n.DisplayName = n.Name
	}
	descs, err := json.Marshal(nonNil(n.Descriptions))
	if err != nil {
		return Node{}, fmt.Errorf("marshaling descriptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			type = CASE WHEN excluded.type = '' THEN graph_nodes.type ELSE excluded.type END,
			description = excluded.description,
			descriptions_json = excluded.descriptions_json,
			placeholder = excluded.placeholder,
			updated_at = excluded.updated_at`,
		n.ID, n.Name, n.DisplayName, n.Type, n.Description, string(descs), boolInt(n.Placeholder), formatTime(time.Now()))
	if err != nil {
		return Node{}, fmt.Errorf("upserting node %q: %w", n.Name, err)
	}
	return s.GetNodeByName(ctx, n.Name)
}

// EnsureNode returns the node called name, creating a placeholder when absent.
func (s *SQLiteStore) EnsureNode(ctx context.Context, name, displayName string) (Node, error) {
	key := Normalize(name)
	if key == "" {
		return Node{}, fmt.Errorf("node without a name")
	}
	if displayName == "" {
		displayName = key
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (`+nodeColumns+`) VALUES (?, ?, ?, '', '', '[]', 1, ?)
		ON CONFLICT(name) DO NOTHING`,
		uuid.New().String(), key, displayName, formatTime(time.Now())); err != nil {
		return Node{}, fmt.Errorf("ensuring node %q: %w", key, err)
	}
	return s.GetNodeByName(ctx, key)
}

func (s *SQLiteStore) GetNodeByName(ctx context.Context, name string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE name = ?`, Normalize(name))
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	return n, err
}

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var n Node
	var descs, updatedAt string
	var placeholder int
	if err := row.Scan(&n.ID, &n.Name, &n.DisplayName, &n.Type, &n.Description, &descs, &placeholder, &updatedAt); err != nil {
		return Node{}, err
	}
	if err := json.Unmarshal([]byte(descs), &n.Descriptions); err != nil {
		return Node{}, fmt.Errorf("decoding descriptions of %s: %w", n.Name, err)
	}
	n.Placeholder = placeholder != 0
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	n.UpdatedAt = t
	return n, nil
}

// UpsertEdge writes e keyed by (source, target, relation). A repeated edge
// keeps the longer description and the higher weight.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, e Edge) (Edge, error) {
	if e.SourceID == "" || e.TargetID == "" || e.Relation == "" {
		return Edge{}, fmt.Errorf("edge needs source, target and relation")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, source_id, target_id, relation, description, weight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			description = CASE WHEN length(excluded.description) > length(graph_edges.description)
				THEN excluded.description ELSE graph_edges.description END,
			weight = max(graph_edges.weight, excluded.weight),
			updated_at = excluded.updated_at`,
		e.ID, e.SourceID, e.TargetID, e.Relation, e.Description, e.Weight, formatTime(time.Now()))
	if err != nil {
		return Edge{}, fmt.Errorf("upserting edge %s -%s-> %s: %w", e.SourceID, e.Relation, e.TargetID, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, relation, description, weight, updated_at
		FROM graph_edges WHERE source_id = ? AND target_id = ? AND relation = ?`,
		e.SourceID, e.TargetID, e.Relation)
	return scanEdge(row)
}

func scanEdge(row interface{ Scan(...any) error }) (Edge, error) {
	var e Edge
	var updatedAt string
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Description, &e.Weight, &updatedAt); err != nil {
		return Edge{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Edge{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	e.UpdatedAt = t
	return e, nil
}

// AddMentions records that chunkID describes the given nodes.
func (s *SQLiteStore) AddMentions(ctx context.Context, chunkID string, nodeIDs []string) error {
	for _, id := range nodeIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_mentions (node_id, chunk_id) VALUES (?, ?)
			ON CONFLICT(node_id, chunk_id) DO NOTHING`, id, chunkID); err != nil {
			return fmt.Errorf("adding mention of %s in %s: %w", id, chunkID, err)
		}
	}
	return nil
}

// Traverse expands seeds breadth first along edges in both directions, up to
// depth hops, and returns the nodes reached with the edges walked.
func (s *SQLiteStore) Traverse(ctx context.Context, seeds []string, depth int) (Subgraph, error) {
	visited := make(map[string]bool, len(seeds))
	var frontier []string
	for _, id := range seeds {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	seenEdges := make(map[string]bool)
	var edges []Edge
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return Subgraph{}, err
		}
		in := placeholders(len(frontier))
		args := append(stringArgs(frontier), stringArgs(frontier)...)
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, source_id, target_id, relation, description, weight, updated_at
			FROM graph_edges WHERE source_id IN (`+in+`) OR target_id IN (`+in+`)
			ORDER BY weight DESC, id ASC`, args...)
		if err != nil {
			return Subgraph{}, fmt.Errorf("expanding hop %d: %w", hop+1, err)
		}

		var next []string
		for rows.Next() {
			e, err := scanEdge(rows)
			if err != nil {
				rows.Close()
				return Subgraph{}, err
			}
			if seenEdges[e.ID] {
				continue
			}
			seenEdges[e.ID] = true
			edges = append(edges, e)
			for _, id := range []string{e.SourceID, e.TargetID} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return Subgraph{}, err
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	nodes, err := s.nodesByID(ctx, ids)
	if err != nil {
		return Subgraph{}, err
	}
	return Subgraph{Nodes: nodes, Edges: edges}, nil
}

func (s *SQLiteStore) nodesByID(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id IN (`+placeholders(len(ids))+`) ORDER BY name ASC`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MatchNodes finds nodes whose name equals, contains or is contained in one of
// the terms. Longer names rank first; single-character names never match by
// containment.
func (s *SQLiteStore) MatchNodes(ctx context.Context, terms []string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 10
	}
	seen := make(map[string]bool)
	var out []Node
	for _, term := range terms {
		t := Normalize(term)
		if utf8.RuneCountInString(t) < 2 {
			continue
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+nodeColumns+` FROM graph_nodes
			WHERE name = ?1
			   OR (length(name) >= 2 AND (instr(?1, name) > 0 OR instr(name, ?1) > 0))
			ORDER BY (name = ?1) DESC, placeholder ASC, length(name) DESC
			LIMIT ?2`, t, limit)
		if err != nil {
			return nil, fmt.Errorf("matching %q: %w", t, err)
		}
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ChunksForNodes returns the chunks that mention the most of the given nodes.
func (s *SQLiteStore) ChunksForNodes(ctx context.Context, nodeIDs []string, limit int) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, COUNT(*) AS hits FROM graph_mentions
		WHERE node_id IN (`+placeholders(len(nodeIDs))+`)
		GROUP BY chunk_id ORDER BY hits DESC, chunk_id ASC LIMIT ?`,
		append(stringArgs(nodeIDs), limit)...)
	if err != nil {
		return nil, fmt.Errorf("loading mentions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		var hits int
		if err := rows.Scan(&id, &hits); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Counts returns the number of nodes and edges.
func (s *SQLiteStore) Counts(ctx context.Context) (nodes, edges int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_nodes`).Scan(&nodes); err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edges`).Scan(&edges)
	return nodes, edges, err
}

func placeholders(n int) string {
	return "?" + strings.Repeat(",?", n-1)
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
