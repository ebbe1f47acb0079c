package device

import (
	"net/http"
	"net/url"
)

// formField is one plain multipart field.
type formField struct {
	Name, Value string
}

// formFile is the file part of an upload form.
type formFile struct {
	Field    string
	Filename string
	Data     []byte
}

// request is a protocol-neutral description of one device call. Every body
// the devices accept is multipart/form-data.
type request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Fields []formField
	File   *formFile
}

// listing is the union of the two firmwares' directory entry shapes.
type listing struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
}

type dialect interface {
	list(dir string) request
	mkdir() request
	// upload returns the request and the device path the file will get.
	upload(dir, filename string, data []byte) (request, string)
	remove(name string) request
	isDir(l listing) bool
}

func dialectFor(f Firmware) dialect {
	if f == CrossPoint {
		return crossPointDialect{}
	}
	return stockDialect{}
}

func folderPath() string { return "/" + TargetFolder }

// stockDialect speaks the stock firmware's /list and /edit API.
type stockDialect struct{}

func (stockDialect) list(dir string) request {
	if dir != "/" {
		dir += "/"
	}
	return request{Op: "list", Method: http.MethodGet, Path: "/list", Query: url.Values{"dir": {dir}}}
}

func (stockDialect) mkdir() request {
	return request{
		Op:     "create folder",
		Method: http.MethodPut,
		Path:   "/edit",
		Fields: []formField{{"path", folderPath() + "/"}},
	}
}

func (stockDialect) upload(dir, filename string, data []byte) (request, string) {
	target := joinDevicePath(dir, filename)
	return request{
		Op:     "upload",
		Method: http.MethodPost,
		Path:   "/edit",
		File:   &formFile{Field: "data", Filename: target, Data: data},
	}, target
}

func (stockDialect) remove(name string) request {
	return request{
		Op:     "delete",
		Method: http.MethodDelete,
		Path:   "/edit",
		Fields: []formField{{"path", joinDevicePath(folderPath(), name)}},
	}
}

func (stockDialect) isDir(l listing) bool { return l.Type == "dir" }

// crossPointDialect speaks the CrossPoint firmware's REST-style API.
type crossPointDialect struct{}

func (crossPointDialect) list(dir string) request {
	return request{Op: "list", Method: http.MethodGet, Path: "/api/files", Query: url.Values{"path": {dir}}}
}

func (crossPointDialect) mkdir() request {
	return request{
		Op:     "create folder",
		Method: http.MethodPost,
		Path:   "/mkdir",
		Fields: []formField{{"name", TargetFolder}, {"path", "/"}},
	}
}

func (crossPointDialect) upload(dir, filename string, data []byte) (request, string) {
	return request{
		Op:     "upload",
		Method: http.MethodPost,
		Path:   "/upload",
		Query:  url.Values{"path": {dir}},
		File:   &formFile{Field: "file", Filename: filename, Data: data},
	}, joinDevicePath(dir, filename)
}

func (crossPointDialect) remove(name string) request {
	return request{
		Op:     "delete",
		Method: http.MethodPost,
		Path:   "/delete",
		Fields: []formField{{"path", joinDevicePath(folderPath(), name)}, {"type", "file"}},
	}
}

func (crossPointDialect) isDir(l listing) bool { return l.IsDirectory }

func joinDevicePath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
