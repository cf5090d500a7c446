// Package folder describes a selected point-of-sale data folder and the
// legacy files that live in it.
package folder

import (
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoSelection is returned when no folder has been selected yet.
var ErrNoSelection = errors.New("no folder selected")

// FileType identifies which legacy database a watched file is.
type FileType string

const (
	FileCaiss       FileType = "caiss"       // articles
	FileFacturation FileType = "facturation" // stock movements
	FileFrontOffice FileType = "frontoffice" // tickets
)

// Default file names inside a point-of-sale folder.
const (
	CaissFile       = "Caiss.mdb"
	FacturationFile = "caiss_facturation.mdb"
	FrontOfficeFile = "Caiss_frontoffice.mdb"
)

// Method records how the folder was selected.
type Method string

const (
	MethodDiscovered Method = "discovered"
	MethodUploaded   Method = "uploaded"
)

// SelectedFolder is the operator's current choice of data folder.
type SelectedFolder struct {
	FolderName       string    `json:"folder_name"`
	FolderPath       string    `json:"folder_path"`
	AccessFilePath   string    `json:"access_file_path"`
	Method           Method    `json:"method"`
	Quarter          string    `json:"quarter"`
	Year             int       `json:"year,omitempty"`
	ArticleCount     int       `json:"article_count"`
	FileSize         int64     `json:"file_size"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	SelectedAt       time.Time `json:"selected_at"`
}

// WatchedFile is one legacy file belonging to a folder.
type WatchedFile struct {
	Path     string   `json:"path"`
	FileType FileType `json:"file_type"`
}

// Dir returns the directory holding the legacy files.
func (f SelectedFolder) Dir() string {
	if f.AccessFilePath != "" {
		return filepath.Dir(f.AccessFilePath)
	}
	return f.FolderPath
}

// CaissPath is the articles database. For an uploaded folder this is the
// stored upload itself.
func (f SelectedFolder) CaissPath() string {
	if f.AccessFilePath != "" {
		return f.AccessFilePath
	}
	return filepath.Join(f.FolderPath, CaissFile)
}

// PathFor returns the path of the given file type.
func (f SelectedFolder) PathFor(t FileType) string {
	switch t {
	case FileFacturation:
		return filepath.Join(f.Dir(), FacturationFile)
	case FileFrontOffice:
		return filepath.Join(f.Dir(), FrontOfficeFile)
	default:
		return f.CaissPath()
	}
}

// Files returns the three watched files of the folder, caiss first.
func (f SelectedFolder) Files() []WatchedFile {
	types := []FileType{FileCaiss, FileFacturation, FileFrontOffice}
	files := make([]WatchedFile, 0, len(types))
	for _, t := range types {
		files = append(files, WatchedFile{Path: f.PathFor(t), FileType: t})
	}
	return files
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeName replaces every character outside [A-Za-z0-9_-] with '_'.
func SafeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// CleanName strips the "Dossier: " label some clients prepend.
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "Dossier: ")
	return strings.TrimSpace(name)
}

var quarterKeywords = []struct {
	quarter  string
	keywords []string
}{
	{"T1", []string{"q1", "t1", "trim1", "quarter1", "jan", "fev", "mar", "janvier", "fevrier", "mars"}},
	{"T2", []string{"q2", "t2", "trim2", "quarter2", "avr", "mai", "jun", "avril", "juin"}},
	{"T3", []string{"q3", "t3", "trim3", "quarter3", "jul", "aou", "sep", "juillet", "aout", "septembre"}},
	{"T4", []string{"q4", "t4", "trim4", "quarter4", "oct", "nov", "dec", "octobre", "novembre", "decembre"}},
}

var (
	quarterDigit = regexp.MustCompile(`(?i)[tq](\d)`)
	yearPattern  = regexp.MustCompile(`20\d{2}`)
)

// DetectQuarter guesses the fiscal quarter from a folder name.
func DetectQuarter(name string) string {
	lower := strings.ToLower(name)
	for _, q := range quarterKeywords {
		for _, kw := range q.keywords {
			if strings.Contains(lower, kw) {
				return q.quarter
			}
		}
	}
	if m := quarterDigit.FindStringSubmatch(name); m != nil {
		return "T" + m[1]
	}
	return "Non détecté - " + name
}

// DetectYear returns the first 20xx found in the name, or 0.
func DetectYear(name string) int {
	m := yearPattern.FindString(name)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}
