package serviceconfig

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// defaultSearchLimit caps results when the caller passes no limit.
const defaultSearchLimit = 50

// SearchIndex is an in-memory full-text index over service configurations.
// The registry stays the source of truth; the index only yields identifiers.
type SearchIndex struct {
	index bleve.Index
}

// configDocument is what gets indexed for one configuration.
type configDocument struct {
	Name      string   `json:"name"`
	Artifacts []string `json:"artifacts"`
	Groups    []string `json:"groups"`
	Versions  []string `json:"versions"`
}

// NewSearchIndex creates an empty memory-only index.
func NewSearchIndex() (*SearchIndex, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create search index: %w", err)
	}
	return &SearchIndex{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	// Analyzed for full-text search
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	// Exact match
	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("artifacts", textFieldMapping)
	docMapping.AddFieldMappingsAt("groups", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("versions", keywordFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping
}

// Put indexes (or re-indexes) a stored configuration.
func (s *SearchIndex) Put(cfg ServiceConfig) error {
	doc := configDocument{Name: cfg.Name}
	for _, item := range cfg.DownloadItems {
		doc.Artifacts = append(doc.Artifacts, item.Metadata.ArtifactID)
		doc.Groups = append(doc.Groups, item.Metadata.GroupID)
		doc.Versions = append(doc.Versions, item.Metadata.Version)
	}
	return s.index.Index(cfg.ID, doc)
}

// Remove drops a configuration from the index.
func (s *SearchIndex) Remove(id string) error {
	return s.index.Delete(id)
}

// Search returns identifiers of configurations matching text, best match first.
// The text is matched against name and artifact IDs, and exactly against group
// IDs and versions.
func (s *SearchIndex) Search(text string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	nameQuery := bleve.NewMatchQuery(text)
	nameQuery.SetField("name")
	artifactQuery := bleve.NewMatchQuery(text)
	artifactQuery.SetField("artifacts")
	groupQuery := bleve.NewTermQuery(text)
	groupQuery.SetField("groups")
	versionQuery := bleve.NewTermQuery(text)
	versionQuery.SetField("versions")

	q := bleve.NewDisjunctionQuery([]query.Query{nameQuery, artifactQuery, groupQuery, versionQuery}...)

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases the index.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}
