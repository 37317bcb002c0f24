package export

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"erpexport/internal/components/chrono"
)

const (
	timestampLayout = "20060102150405"
	defaultBaseName = "downloaded_file"
	defaultExt      = ".xlsx"
)

type nameStamp struct {
	stamp string
	seq   int
}

// Namer hands out `{base}_{YYYYMMDDHHMMSS}{ext}` names. A second name for the
// same base within the same second gets a `_2`, `_3`, ... suffix so no two
// names handed out by one Namer are equal.
type Namer struct {
	clock chrono.API

	mutex sync.Mutex
	last  map[string]nameStamp
}

func NewNamer(clock chrono.API) *Namer {
	return &Namer{clock: clock, last: map[string]nameStamp{}}
}

// Next returns the next free name for base and ext, the timestamp is taken
// at call time.
func (n *Namer) Next(base, ext string) string {
	stamp := n.clock.Now().Format(timestampLayout)
	key := base + "\x00" + ext

	n.mutex.Lock()
	st := n.last[key]
	// stamps sort lexically, a clock going backwards keeps counting up
	if st.stamp != "" && stamp <= st.stamp {
		st.seq++
		stamp = st.stamp
	} else {
		st = nameStamp{stamp: stamp, seq: 1}
	}
	n.last[key] = st
	n.mutex.Unlock()

	if st.seq == 1 {
		return fmt.Sprintf("%s_%s%s", base, stamp, ext)
	}
	return fmt.Sprintf("%s_%s_%d%s", base, stamp, st.seq, ext)
}

var unsafeNameChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

func sanitizeBase(name string) string {
	name = strings.TrimSpace(unsafeNameChars.Replace(name))
	name = strings.Trim(name, ".")
	return name
}

func splitName(name string) (string, string) {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// DeriveBaseName picks the base of the saved file: the requested base name,
// then the job label, then the stem of the name suggested by the server.
func DeriveBaseName(spec JobSpec, suggested string) string {
	stem, _ := splitName(filepath.Base(suggested))
	for _, candidate := range []string{spec.BaseName, spec.Label, stem} {
		base := sanitizeBase(candidate)
		if base != "" {
			return base
		}
	}
	return defaultBaseName
}

// resolveExt takes the extension of the first name that has one, the
// candidates being a download's suggested name, a Content-Disposition
// header and the artifact url.
func resolveExt(suggested, contentDisposition, artifactUrl string) string {
	candidates := []string{suggested}
	if contentDisposition != "" {
		_, params, err := mime.ParseMediaType(contentDisposition)
		if err == nil {
			candidates = append(candidates, params["filename"])
		}
	}
	if artifactUrl != "" {
		u, err := url.Parse(artifactUrl)
		if err == nil {
			candidates = append(candidates, path.Base(u.Path))
		}
	}

	for _, c := range candidates {
		ext := nameExt(c)
		if ext != "" {
			return ext
		}
	}
	return defaultExt
}

// transferExt is the extension of the name a browser download suggested.
// Downloads suggested without one are saved without one.
func transferExt(suggested string) string {
	return nameExt(suggested)
}

func nameExt(name string) string {
	_, ext := splitName(name)
	if ext == "" || ext == "." || strings.ContainsAny(ext, " /\\") {
		return ""
	}
	return strings.ToLower(ext)
}

// suggestedName returns the file name a server suggested, if any.
func suggestedName(contentDisposition, artifactUrl string) string {
	if contentDisposition != "" {
		_, params, err := mime.ParseMediaType(contentDisposition)
		if err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if artifactUrl != "" {
		u, err := url.Parse(artifactUrl)
		if err == nil {
			base := path.Base(u.Path)
			if base != "/" && base != "." {
				return base
			}
		}
	}
	return ""
}
