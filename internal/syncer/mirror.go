package syncer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
)

type valueKind int

const (
	kindText valueKind = iota
	kindNumber
	kindMoney
)

type column struct {
	source string
	target string
	kind   valueKind
}

// mirror maps one legacy table onto its central-store table.
type mirror struct {
	source  string
	table   string
	columns []column
}

var mirrors = []mirror{
	{
		source: legacy.TableArticle,
		table:  "legacy_articles",
		columns: []column{
			{"Code", "code", kindText},
			{"Libelle", "libelle", kindText},
			{"CodeFam", "code_fam", kindText},
			{"BaseTTC", "base_ttc_cents", kindMoney},
		},
	},
	{
		source: legacy.TableMouvementstock,
		table:  "legacy_stock_movements",
		columns: []column{
			{"CodeArticle", "code_article", kindText},
			{"Quantite", "quantite", kindNumber},
		},
	},
	{
		source: legacy.TableTicket,
		table:  "legacy_tickets",
		columns: []column{
			{"Id", "legacy_id", kindText},
			{"Code", "code", kindText},
			{"DateDoc", "date_doc", kindText},
		},
	},
	{
		source: legacy.TableTicketLigne,
		table:  "legacy_ticket_lines",
		columns: []column{
			{"CodeDoc", "code_doc", kindText},
			{"Designation", "designation", kindText},
			{"Qte", "qte", kindNumber},
		},
	},
}

// MirrorTables returns the central-store tables filled by the engine.
func MirrorTables() []string {
	names := make([]string, len(mirrors))
	for i, m := range mirrors {
		names[i] = m.table
	}
	return names
}

var tagColumns = []string{"payload", "source_file_hash", "source_folder", "sync_date", "quarter", "year"}

func (m mirror) insertColumns() []string {
	cols := make([]string, 0, len(m.columns)+len(tagColumns))
	for _, c := range m.columns {
		cols = append(cols, c.target)
	}
	return append(cols, tagColumns...)
}

// tag holds the source metadata stamped on every mirrored row.
type tag struct {
	hash     string
	folder   string
	syncDate time.Time
	quarter  string
	year     int
}

func newTag(hash string, f folder.SelectedFolder, now time.Time) tag {
	return tag{hash: hash, folder: f.FolderName, syncDate: now.UTC(), quarter: f.Quarter, year: f.Year}
}

func (m mirror) values(rows []legacy.Row, t tag) ([][]interface{}, error) {
	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		legacy.FixRow(r)
		lookup := make(map[string]interface{}, len(r))
		for k, v := range r {
			lookup[strings.ToLower(k)] = v
		}

		vals := make([]interface{}, 0, len(m.columns)+len(tagColumns))
		for _, c := range m.columns {
			vals = append(vals, convert(lookup[strings.ToLower(c.source)], c.kind))
		}

		payload, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		var year interface{}
		if t.year != 0 {
			year = t.year
		}
		vals = append(vals, string(payload), t.hash, t.folder, t.syncDate, t.quarter, year)
		out = append(out, vals)
	}
	return out, nil
}

func convert(v interface{}, kind valueKind) interface{} {
	if v == nil {
		return nil
	}
	switch kind {
	case kindMoney:
		cents, err := legacy.MinorUnits(v)
		if err != nil {
			log.Debug().Err(err).Msg("Unparseable amount stored as NULL")
			return nil
		}
		return cents
	case kindNumber:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case int:
			return float64(x)
		default:
			s := strings.Replace(strings.TrimSpace(legacy.Row{"v": v}.String("v")), ",", ".", 1)
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil
			}
			return f
		}
	default:
		switch x := v.(type) {
		case string:
			return x
		case time.Time:
			return x.Format("2006-01-02 15:04:05")
		default:
			return legacy.Row{"v": v}.String("v")
		}
	}
}
