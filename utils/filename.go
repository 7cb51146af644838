package utils

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var copySuffix = regexp.MustCompile(`\((\d+)\)$`)

// SanitizeFileName strips directories and characters that are unsafe in
// stored file names.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

// UniqueFileName returns a name under dir that does not exist yet. Taken
// names get a "(n)" suffix before the extension, counting up from an
// existing suffix: report.pdf, report(1).pdf, report(2).pdf.
func UniqueFileName(dir, name string) string {
	name = SanitizeFileName(name)
	exists := func(n string) bool {
		_, err := os.Stat(filepath.Join(dir, n))
		return err == nil
	}
	if !exists(name) {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		if m := copySuffix.FindStringSubmatch(base); m != nil {
			n, _ := strconv.Atoi(m[1])
			base = copySuffix.ReplaceAllString(base, "("+strconv.Itoa(n+1)+")")
		} else {
			base += "(1)"
		}
		if candidate := base + ext; !exists(candidate) {
			return candidate
		}
	}
}
