package docker

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Format selects the inventory output format requested from docker.
type Format string

const (
	FormatJSON Format = "json"
	FormatTab  Format = "tab"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatTab:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported inventory format %q", s)
	}
}

const (
	containerTabFormat = "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.Status}}\t{{.CreatedAt}}"
	imageTabFormat     = "{{.Repository}}:{{.Tag}}\t{{.ID}}\t{{.Size}}"
	jsonFormat         = "{{json .}}"
)

func (f Format) containers() string {
	if f == FormatTab {
		return containerTabFormat
	}
	return jsonFormat
}

func (f Format) images() string {
	if f == FormatTab {
		return imageTabFormat
	}
	return jsonFormat
}

// Container is one row of docker ps -a.
type Container struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	// LogPath is resolved by the cache, empty when no log directory matched.
	LogPath string `json:"log_path,omitempty"`
}

// Image is one row of docker images.
type Image struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	ID         string `json:"id"`
	Size       string `json:"size"`
}

// Ref returns repository:tag.
func (i Image) Ref() string {
	if i.Tag == "" {
		return i.Repository
	}
	return i.Repository + ":" + i.Tag
}

// ParseContainers turns inventory rows into containers. Empty rows and rows
// reporting an unreachable daemon are skipped. A json row which fails to
// parse is retried as a tab-delimited one.
func ParseContainers(lines []string) []Container {
	var ret []Container
	for _, line := range rows(lines) {
		if c, ok := containerFromJSON(line); ok {
			ret = append(ret, c)
			continue
		}
		f := fields(line, 5)
		ret = append(ret, Container{
			ID:        f[0],
			Name:      f[1],
			Image:     f[2],
			Status:    f[3],
			CreatedAt: f[4],
		})
	}
	return ret
}

// ParseImages turns inventory rows into images, see ParseContainers.
func ParseImages(lines []string) []Image {
	var ret []Image
	for _, line := range rows(lines) {
		if i, ok := imageFromJSON(line); ok {
			ret = append(ret, i)
			continue
		}
		f := fields(line, 3)
		repo, tag := splitRef(f[0])
		ret = append(ret, Image{
			Repository: repo,
			Tag:        tag,
			ID:         f[1],
			Size:       f[2],
		})
	}
	return ret
}

func rows(lines []string) []string {
	ret := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || IsUnavailable(line) {
			continue
		}
		ret = append(ret, line)
	}
	return ret
}

func containerFromJSON(line string) (Container, bool) {
	if !isJSONRow(line) {
		return Container{}, false
	}
	r := gjson.GetMany(line, "ID", "Names", "Image", "Status", "CreatedAt")
	return Container{
		ID:        r[0].String(),
		Name:      r[1].String(),
		Image:     r[2].String(),
		Status:    r[3].String(),
		CreatedAt: r[4].String(),
	}, true
}

func imageFromJSON(line string) (Image, bool) {
	if !isJSONRow(line) {
		return Image{}, false
	}
	r := gjson.GetMany(line, "Repository", "Tag", "ID", "Size")
	return Image{
		Repository: r[0].String(),
		Tag:        r[1].String(),
		ID:         r[2].String(),
		Size:       r[3].String(),
	}, true
}

func isJSONRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed)
}

// fields splits on tab, missing trailing fields are empty
func fields(line string, n int) []string {
	ret := make([]string, n)
	copy(ret, strings.SplitN(line, "\t", n))
	return ret
}

// splitRef splits at the last colon which is not part of a registry host.
func splitRef(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i+1:], "/") {
		return ref, ""
	}
	return ref[:i], ref[i+1:]
}
