package search

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
)

// pageSize bounds each lookup while replacing a channel's documents.
const pageSize = 500

// DefaultLimit applies when a search asks for no limit.
const DefaultLimit = 20

// Index wraps a Bleve index of archived messages, one document per channel-day.
type Index struct {
	index bleve.Index
}

// Document is the indexed form of one channel-day of an archive.
type Document struct {
	GuildID   string
	ChannelID string
	Date      string
	Lines     int
	Content   string
}

// Hit is one matching channel-day.
type Hit struct {
	ID        string              `json:"id"`
	ChannelID string              `json:"channel_id"`
	Date      string              `json:"date"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// DocID names the document of one channel-day.
func DocID(guildID, channelID, date string) string {
	return guildID + "/" + channelID + "/" + date
}

// Open opens the index at path, creating it when missing.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

// OpenMem creates an index that lives only in memory.
func OpenMem() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	contentMapping := bleve.NewTextFieldMapping()
	contentMapping.Analyzer = "en"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("GuildID", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("ChannelID", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Date", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Lines", bleve.NewNumericFieldMapping())
	docMapping.AddFieldMappingsAt("Content", contentMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	// Query strings search _all, so they must be analyzed like Content.
	indexMapping.DefaultAnalyzer = "en"
	return indexMapping
}

func (i *Index) Close() error {
	return i.index.Close()
}

// Count returns the number of documents in the index.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// IndexArchive replaces the documents of one channel with the current archive contents.
// A missing archive drops the channel from the index.
func (i *Index) IndexArchive(st *archive.Store, guildID, channelID string) (int, error) {
	docs, err := readDays(st, guildID, channelID)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, i.DeleteChannel(guildID, channelID)
	}
	if err != nil {
		return 0, err
	}
	stale, err := i.channelDocIDs(guildID, channelID)
	if err != nil {
		return 0, err
	}

	batch := i.index.NewBatch()
	keep := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		id := DocID(guildID, channelID, doc.Date)
		keep[id] = struct{}{}
		if err := batch.Index(id, doc); err != nil {
			return 0, fmt.Errorf("batch index %s: %w", id, err)
		}
	}
	for _, id := range stale {
		if _, ok := keep[id]; !ok {
			batch.Delete(id)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(docs), nil
}

// IndexGuild reindexes every archive of a guild. Unreadable archives are reported
// together after the rest have been indexed.
func (i *Index) IndexGuild(st *archive.Store, guildID string) (int, error) {
	ids, err := st.List()
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, id := range ids {
		n, err := i.IndexArchive(st, guildID, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", id, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// DeleteChannel removes every document of one channel.
func (i *Index) DeleteChannel(guildID, channelID string) error {
	ids, err := i.channelDocIDs(guildID, channelID)
	if err != nil {
		return err
	}
	batch := i.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Search runs a query string restricted to one guild.
func (i *Index) Search(guildID, queryStr string, limit int) ([]Hit, error) {
	if strings.TrimSpace(queryStr) == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := bleve.NewConjunctionQuery(keyword("GuildID", guildID), bleve.NewQueryStringQuery(queryStr))
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Highlight = bleve.NewHighlight()
	req.Fields = []string{"ChannelID", "Date"}

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(results.Hits))
	for _, h := range results.Hits {
		hit := Hit{ID: h.ID, Score: h.Score, Fragments: h.Fragments}
		if ch, ok := h.Fields["ChannelID"].(string); ok {
			hit.ChannelID = ch
		}
		if d, ok := h.Fields["Date"].(string); ok {
			hit.Date = d
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (i *Index) channelDocIDs(guildID, channelID string) ([]string, error) {
	q := bleve.NewConjunctionQuery(keyword("GuildID", guildID), keyword("ChannelID", channelID))
	var ids []string
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(q, pageSize, from, false)
		res, err := i.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("list channel documents: %w", err)
		}
		for _, h := range res.Hits {
			ids = append(ids, h.ID)
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}

func keyword(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// readDays groups an archive's records by date stamp, keeping file order within a day.
func readDays(st *archive.Store, guildID, channelID string) ([]*Document, error) {
	r, err := st.Open(channelID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var docs []*Document
	byDate := make(map[string]*Document)
	lines := make(map[string][]string)
	for r.Next() {
		rec := r.Record()
		doc, ok := byDate[rec.Date]
		if !ok {
			doc = &Document{GuildID: guildID, ChannelID: channelID, Date: rec.Date}
			byDate[rec.Date] = doc
			docs = append(docs, doc)
		}
		doc.Lines++
		lines[rec.Date] = append(lines[rec.Date], archive.DecodeContent(rec.Content))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read archive %s: %w", channelID, err)
	}
	for _, doc := range docs {
		doc.Content = strings.Join(lines[doc.Date], "\n")
	}
	return docs, nil
}
