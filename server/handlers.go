// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/imgbase/imgbase/batch"
	"github.com/imgbase/imgbase/cache"
	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/errs"
)

// multipartMemory bounds the in-memory portion of multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a core error onto its status code and the uniform
// {error, error_code} body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := errs.Convert(err)
	status := errs.HTTPStatus(e.Kind)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"error":      e.Message,
		"error_code": string(e.Kind),
	})
}

// clientIP identifies the caller for rate limiting: the first forwarded hop
// if present, the socket peer otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimited wraps mutating handlers with the per-client token bucket. A
// denied request is answered before any validation work happens.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.limiter.Check(clientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()+0.5))
			s.writeError(w, s.limiter.Err(retryAfter))
			return
		}
		next(w, r)
	}
}

// readUploadedFile pulls one multipart file field into memory, bounded by
// the configured maximum plus slack so oversize uploads are diagnosed by the
// validator rather than cut off mid-read.
func (s *Server) readUploadedFile(r *http.Request, field string) (name string, data []byte, err error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return "", nil, errs.Wrap(errs.InputInvalid, err, "parsing multipart form")
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, errs.Wrap(errs.InputInvalid, err, "missing file field %q", field)
	}
	defer file.Close()
	data, err = io.ReadAll(io.LimitReader(file, s.cfg.Security.MaxFileSizeBytes()+1))
	if err != nil {
		return "", nil, errs.Wrap(errs.InputInvalid, err, "reading upload")
	}
	return header.Filename, data, nil
}

// convertSingle runs one conversion through the admission gate and the
// cache. No-op option bundles skip the codec and return the bytes as-is.
func (s *Server) convertSingle(name string, data []byte, opts codec.Options) (*cache.Artifact, error) {
	verdict := s.validator.Validate(name, data)
	if !verdict.Safe {
		return nil, verdict.Err()
	}
	opts = opts.Normalized()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.IsNoop() {
		meta, err := codec.Probe(data)
		if err != nil {
			return nil, err
		}
		meta.OriginalFormat = meta.Format
		return &cache.Artifact{Data: data, Meta: *meta}, nil
	}
	fp := codec.Fingerprint(data, opts)
	art, _, err := s.cache.GetOrCompute(fp, func() (*cache.Artifact, error) {
		out, meta, err := codec.Convert(data, opts)
		if err != nil {
			return nil, err
		}
		return &cache.Artifact{Data: out, Meta: *meta}, nil
	})
	return art, err
}

func (s *Server) handleToBase64(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUploadedFile(r, "file")
	if err != nil {
		s.writeError(w, err)
		return
	}
	art, err := s.convertSingle(name, data, codec.DefaultOptions())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base64":    base64.StdEncoding.EncodeToString(art.Data),
		"format":    string(art.Meta.Format),
		"size":      [2]int{art.Meta.Width, art.Meta.Height},
		"file_size": len(art.Data),
	})
}

func (s *Server) handleToBase64Advanced(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUploadedFile(r, "file")
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := parseOptions(r.FormValue("options"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	original, err := codec.Probe(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	art, err := s.convertSingle(name, data, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base64":             base64.StdEncoding.EncodeToString(art.Data),
		"format":             string(art.Meta.Format),
		"size":               [2]int{art.Meta.Width, art.Meta.Height},
		"file_size":          len(art.Data),
		"original_format":    string(original.Format),
		"original_size":      [2]int{original.Width, original.Height},
		"processed_format":   string(art.Meta.Format),
		"processed_size":     [2]int{art.Meta.Width, art.Meta.Height},
		"processing_options": opts.Normalized(),
	})
}

// parseOptions decodes the client's options JSON. Unknown keys are ignored;
// an empty string yields the defaults.
func parseOptions(raw string) (codec.Options, error) {
	opts := codec.DefaultOptions()
	if strings.TrimSpace(raw) == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return opts, errs.Wrap(errs.InputInvalid, err, "parsing options")
	}
	if opts.TargetFormat != "" {
		parsed, err := codec.ParseFormat(string(opts.TargetFormat))
		if err != nil {
			return opts, err
		}
		opts.TargetFormat = parsed
	}
	return opts, nil
}

func (s *Server) handleFromBase64(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base64 string `json:"base64"`
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.InputInvalid, err, "parsing request body"))
		return
	}
	data, err := decodeBase64(req.Base64)
	if err != nil {
		s.writeError(w, err)
		return
	}

	target, err := codec.ParseFormat(req.Format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := data
	format := codec.Sniff(data)
	if format == "" {
		s.writeError(w, errs.New(errs.UnsupportedFormat, "payload is not a recognised image"))
		return
	}
	if target != "" && target != format {
		converted, meta, err := codec.Convert(data, codec.Options{TargetFormat: target, Quality: codec.DefaultQuality})
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = converted
		format = meta.Format
	}

	w.Header().Set("Content-Type", format.MIME())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=converted.%s", format.Ext()))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleValidateBase64(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base64 string `json:"base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.InputInvalid, err, "parsing request body"))
		return
	}
	data, err := decodeBase64(req.Base64)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": errs.Convert(err).Message,
		})
		return
	}
	meta, err := codec.Probe(data)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": errs.Convert(err).Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"format": string(meta.Format),
		"size":   [2]int{meta.Width, meta.Height},
		"mode":   meta.Mode,
	})
}

// decodeBase64 accepts both bare payloads and data URLs.
func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errs.New(errs.InputInvalid, "empty base64 payload")
	}
	if i := strings.Index(payload, ","); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errs.Wrap(errs.InputInvalid, err, "invalid base64")
	}
	return data, nil
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, errs.Wrap(errs.InputInvalid, err, "parsing multipart form"))
		return
	}
	opts, err := parseOptions(r.FormValue("options"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var files []batch.FileInput
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				s.writeError(w, errs.Wrap(errs.InputInvalid, err, "opening upload %s", header.Filename))
				return
			}
			data, err := io.ReadAll(io.LimitReader(f, s.cfg.Security.MaxFileSizeBytes()+1))
			f.Close()
			if err != nil {
				s.writeError(w, errs.Wrap(errs.InputInvalid, err, "reading upload %s", header.Filename))
				return
			}
			files = append(files, batch.FileInput{Name: header.Filename, Data: data})
		}
	}

	res, err := s.scheduler.StartBatch(opts, files)
	if err != nil {
		e := errs.Convert(err)
		body := map[string]interface{}{
			"error":      e.Message,
			"error_code": string(e.Kind),
		}
		if res != nil && len(res.Rejected) > 0 {
			body["rejected_files"] = res.Rejected
		}
		writeJSON(w, errs.HTTPStatus(e.Kind), body)
		return
	}

	body := map[string]interface{}{
		"queue_id":    res.JobID,
		"total_files": res.TotalFiles,
		"status":      "started",
		"message":     fmt.Sprintf("batch processing started for %d files", res.TotalFiles),
	}
	if len(res.Rejected) > 0 {
		body["rejected_files"] = res.Rejected
		body["warnings"] = res.Warnings
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.scheduler.Progress(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	snap, err := s.scheduler.Cancel(jobID)
	if err != nil {
		if errs.IsKind(err, errs.JobAlreadyTerminal) {
			// Requesting an effect that already holds is a no-op success.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"queue_id": jobID,
				"status":   snap.Status,
				"message":  errs.Convert(err).Message,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_id": jobID,
		"status":   snap.Status,
		"message":  "batch cancelled",
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.SchedulerStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_tasks": status.ActiveTasks,
		"all_queues":   status.AllQueues,
		"statistics":   status.Statistics,
		"timestamp":    float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (s *Server) handleBatchCleanup(w http.ResponseWriter, r *http.Request) {
	req := struct {
		MaxAgeHours float64 `json:"max_age_hours"`
	}{MaxAgeHours: 24}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errs.Wrap(errs.InputInvalid, err, "parsing request body"))
			return
		}
	}
	stats := s.scheduler.Cleanup(time.Duration(req.MaxAgeHours * float64(time.Hour)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleaned_tasks":    stats.Tasks,
		"cleaned_queues":   stats.Queues,
		"cleaned_tracking": stats.Tracking,
		"message":          fmt.Sprintf("removed %d terminal queues", stats.Queues),
	})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	count, freed := s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries_removed": count,
		"space_freed_mb":  float64(freed) / (1 << 20),
	})
}

func (s *Server) handleSecurityScan(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUploadedFile(r, "file")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(name, data))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).Seconds(),
	})
}

var startTime = time.Now()
