package framesource

import (
	"fmt"
	"strings"
	"time"
)

// The archive's index pages carry their data as one long line of
// javascript, e.g.
//
//	StatusArr.push("ok");thumbArr.push("thumbnails/lor_0299.jpg");UTCArr.push("2015-07-13<br>05:12:34 UTC");ExpArr.push("150");...
//
// with each image described by a thumbArr / UTCArr / ExpArr run.
const (
	indexLineMarker    = "StatusArr.push"
	indexTimeLayout    = "2006-01-02<br>15:04:05 MST"
	thumbnailPathInfix = "thumbnails/"
)

// An Entry describes one image in the archive.
type Entry struct {
	URL       string
	Timestamp time.Time
	Exposure  string
}

// Filename is where the image lives in the download cache.
func (e Entry) Filename() string {
	return TimestampFilename(e.Timestamp, ".jpg")
}

func (e Entry) String() string {
	return fmt.Sprintf("%s exp=%s %s", e.Timestamp.UTC().Format(time.RFC3339), e.Exposure, e.URL)
}

// IsIndexLine is true for the one line of an index page that has data.
func IsIndexLine(line string) bool {
	return strings.HasPrefix(line, indexLineMarker)
}

// ParseIndexLine pulls the entries out of an index line. Thumbnail
// paths are turned into full size image URLs under urlPrefix. An entry
// is complete once its ExpArr statement is seen.
func ParseIndexLine(line, urlPrefix string) ([]Entry, error) {
	entries := []Entry{}
	e := Entry{}

	for _, cmd := range strings.Split(line, ";") {
		cmd = strings.TrimSpace(cmd)
		switch {
		case strings.HasPrefix(cmd, "thumbArr.push"):
			arg, err := quotedArg(cmd)
			if err != nil {
				return nil, err
			}
			e.URL = urlPrefix + strings.Replace(arg, thumbnailPathInfix, "", 1)

		case strings.HasPrefix(cmd, "UTCArr.push"):
			arg, err := quotedArg(cmd)
			if err != nil {
				return nil, err
			}
			ts, err := time.Parse(indexTimeLayout, arg)
			if err != nil {
				return nil, fmt.Errorf("index timestamp '%s': %w", arg, err)
			}
			e.Timestamp = ts.UTC()

		case strings.HasPrefix(cmd, "ExpArr.push"):
			arg, err := quotedArg(cmd)
			if err != nil {
				return nil, err
			}
			e.Exposure = arg
			entries = append(entries, e)
			e = Entry{}
		}
	}

	return entries, nil
}

func quotedArg(cmd string) (string, error) {
	parts := strings.Split(cmd, `"`)
	if len(parts) < 3 {
		return "", fmt.Errorf("index statement '%s' has no quoted argument", cmd)
	}
	return parts[1], nil
}
