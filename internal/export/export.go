// Package export writes the raw, filtered and wisdom tiers to flat files and
// reads raw tier files back for re-filtering.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/store"
)

// Tier file names written by All.
const (
	RawFile        = "raw.csv"
	FilteredFile   = "filtered.csv"
	WisdomFile     = "wisdom.csv"
	WisdomXLSXFile = "wisdom.xlsx"
)

// RawRow is the raw tier column schema. Timestamp is RFC 3339 or empty.
type RawRow struct {
	ItemKey    string `csv:"item_key"`
	Platform   string `csv:"platform"`
	ExternalID string `csv:"external_id"`
	Author     string `csv:"author"`
	Timestamp  string `csv:"timestamp"`
	Title      string `csv:"title"`
	Link       string `csv:"link"`
	Source     string `csv:"source"`
	Text       string `csv:"text"`
	Metadata   string `csv:"metadata"`
}

// FilteredRow is the filtered tier column schema.
type FilteredRow struct {
	RawRow
	Score              float64   `csv:"score"`
	DistinctCategories int       `csv:"distinct_categories"`
	TotalHits          int       `csv:"total_hits"`
	TopCategories      string    `csv:"top_categories"`
	TaxonomyVersion    string    `csv:"taxonomy_version"`
	Accept             bool      `csv:"accept"`
	Reason             string    `csv:"reason"`
	Threshold          float64   `csv:"threshold"`
	FilteredAt         time.Time `csv:"filtered_at"`
}

func toRawRow(it model.RawItem) (RawRow, error) {
	meta := ""
	if len(it.Metadata) > 0 {
		b, err := json.Marshal(it.Metadata)
		if err != nil {
			return RawRow{}, eris.Wrapf(err, "export: encode metadata for %s", it.Key())
		}
		meta = string(b)
	}
	return RawRow{
		ItemKey:    it.Key(),
		Platform:   it.Platform,
		ExternalID: it.ExternalID,
		Author:     it.Author,
		Timestamp:  formatTime(it.Timestamp),
		Title:      it.Meta("title"),
		Link:       it.Meta("link"),
		Source:     it.Meta("source"),
		Text:       it.Text,
		Metadata:   meta,
	}, nil
}

// WriteRawCSV writes the raw tier.
func WriteRawCSV(w io.Writer, items []model.RawItem) error {
	rows := make([]RawRow, 0, len(items))
	for _, it := range items {
		r, err := toRawRow(it)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}
	return encode(w, rows, RawRow{})
}

// WriteFilteredCSV writes the filtered tier, accepted and rejected items
// alike.
func WriteFilteredCSV(w io.Writer, items []model.FilteredItem) error {
	rows := make([]FilteredRow, 0, len(items))
	for _, it := range items {
		r, err := toRawRow(it.RawItem)
		if err != nil {
			return err
		}
		rows = append(rows, FilteredRow{
			RawRow:             r,
			Score:              it.Score,
			DistinctCategories: it.DistinctCategories,
			TotalHits:          it.TotalHits,
			TopCategories:      strings.Join(it.TopCategories, "; "),
			TaxonomyVersion:    it.TaxonomyVersion,
			Accept:             it.Decision.Accept,
			Reason:             it.Decision.Reason,
			Threshold:          it.Threshold,
			FilteredAt:         it.FilteredAt.UTC(),
		})
	}
	return encode(w, rows, FilteredRow{})
}

// WriteWisdomCSV writes the wisdom tier using the fixed insight columns.
func WriteWisdomCSV(w io.Writer, recs []model.WisdomRecord) error {
	rows := make([]model.WisdomInsight, len(recs))
	for i, r := range recs {
		rows[i] = r.Insight
	}
	return encode(w, rows, model.WisdomInsight{})
}

// encode writes rows with csvutil, emitting the header even when rows is
// empty so every tier file has a stable schema.
func encode[T any](w io.Writer, rows []T, zero T) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if len(rows) == 0 {
		if err := enc.EncodeHeader(zero); err != nil {
			return eris.Wrap(err, "export: write header")
		}
	}
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "export: flush")
	}
	return nil
}

// ReadRawCSV reads a raw tier file. Rows need platform, external_id and
// text; other columns are optional. Metadata is rebuilt from the metadata
// column, with the title, link and source columns taking precedence.
func ReadRawCSV(r io.Reader) ([]model.RawItem, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "export: read raw header")
	}

	var out []model.RawItem
	for line := 2; ; line++ {
		var row RawRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "export: decode raw row %d", line)
		}
		if row.Platform == "" || row.ExternalID == "" {
			return nil, eris.Errorf("export: raw row %d: platform and external_id are required", line)
		}

		meta := map[string]string{}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				return nil, eris.Wrapf(err, "export: raw row %d: metadata", line)
			}
		}
		for k, v := range map[string]string{"title": row.Title, "link": row.Link, "source": row.Source} {
			if v != "" {
				meta[k] = v
			}
		}
		if len(meta) == 0 {
			meta = nil
		}
		ts, err := parseTime(row.Timestamp)
		if err != nil {
			return nil, eris.Wrapf(err, "export: raw row %d: timestamp", line)
		}
		out = append(out, model.RawItem{
			Platform:   strings.ToLower(row.Platform),
			ExternalID: row.ExternalID,
			Text:       row.Text,
			Author:     row.Author,
			Timestamp:  ts,
			Metadata:   meta,
		})
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized time %q", s)
}

// Files lists the paths written by All.
type Files struct {
	Raw        string `json:"raw"`
	Filtered   string `json:"filtered"`
	Wisdom     string `json:"wisdom"`
	WisdomXLSX string `json:"wisdom_xlsx"`
}

// All writes every tier from st into dir.
func All(ctx context.Context, st store.ItemStore, dir string) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, eris.Wrapf(err, "export: create %s", dir)
	}
	files := Files{
		Raw:        filepath.Join(dir, RawFile),
		Filtered:   filepath.Join(dir, FilteredFile),
		Wisdom:     filepath.Join(dir, WisdomFile),
		WisdomXLSX: filepath.Join(dir, WisdomXLSXFile),
	}

	raw, err := st.LoadRaw(ctx, nil)
	if err != nil {
		return Files{}, eris.Wrap(err, "export: load raw")
	}
	if err := writeFile(files.Raw, func(w io.Writer) error { return WriteRawCSV(w, raw) }); err != nil {
		return Files{}, err
	}

	filtered, err := st.LoadFiltered(ctx, nil)
	if err != nil {
		return Files{}, eris.Wrap(err, "export: load filtered")
	}
	if err := writeFile(files.Filtered, func(w io.Writer) error { return WriteFilteredCSV(w, filtered) }); err != nil {
		return Files{}, err
	}

	wisdom, err := st.LoadWisdom(ctx)
	if err != nil {
		return Files{}, eris.Wrap(err, "export: load wisdom")
	}
	if err := writeFile(files.Wisdom, func(w io.Writer) error { return WriteWisdomCSV(w, wisdom) }); err != nil {
		return Files{}, err
	}
	if err := WriteWisdomXLSX(files.WisdomXLSX, wisdom); err != nil {
		return Files{}, err
	}

	zap.L().Info("export: tiers written",
		zap.String("dir", dir),
		zap.Int("raw", len(raw)),
		zap.Int("filtered", len(filtered)),
		zap.Int("wisdom", len(wisdom)),
	)
	return files, nil
}

// writeFile writes to a temporary file and renames it into place.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", tmp)
	}
	if err := fn(f); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrapf(err, "export: close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrapf(err, "export: rename %s", path)
	}
	return nil
}
