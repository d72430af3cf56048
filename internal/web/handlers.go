package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"mdillust/internal/pipeline"
	"mdillust/internal/storage"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		jsonError(w, "用户名和密码不能为空", http.StatusBadRequest)
		return
	}

	user, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		jsonError(w, "用户名或密码错误", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.create(*user)
	if err != nil {
		jsonError(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userPayload(user, 0),
		"message": fmt.Sprintf("欢迎回来，%s！", user.Name),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.remove(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	user, err := s.store.GetUser(r.Context(), sess.user.Username)
	if err != nil {
		jsonError(w, "User not found", http.StatusNotFound)
		return
	}
	used, err := s.store.QuotaUsed(r.Context(), user.Username)
	if err != nil {
		jsonError(w, "failed to read quota", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(user, used)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	used, err := s.store.QuotaUsed(r.Context(), sess.user.Username)
	if err != nil {
		jsonError(w, "failed to read quota", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":             sess.user.Username,
		"has_markdown":         sess.currentDoc() != nil,
		"quota_used":           used,
		"quota_limit":          sess.user.QuotaLimit,
		"quota_remaining":      sess.user.QuotaLimit - used,
		"illustrate_remaining": s.limiter.remaining(sess.token, "illustrate"),
	})
}

func (s *Server) handleGetMarkdown(w http.ResponseWriter, r *http.Request) {
	doc := sessionFrom(r).currentDoc()
	if doc == nil {
		jsonError(w, "No markdown file in current session", http.StatusNotFound)
		return
	}
	content, err := os.ReadFile(doc.path)
	if err != nil {
		jsonError(w, "Markdown file not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    doc.path,
		"content": string(content),
	})
}

func (s *Server) handleSaveMarkdown(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	doc := sess.currentDoc()
	if doc == nil {
		jsonError(w, "No session", http.StatusNotFound)
		return
	}
	if !s.limiter.allow(sess.token, "save") {
		jsonError(w, "保存次数过多，请稍后再试", http.StatusTooManyRequests)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		jsonError(w, "Content is empty", http.StatusBadRequest)
		return
	}

	if err := os.WriteFile(doc.path, []byte(req.Content), 0o644); err != nil {
		jsonError(w, "failed to write file", http.StatusInternalServerError)
		return
	}

	reloaded, err := loadCandidateDoc(doc.path)
	if err != nil {
		jsonError(w, "failed to reload markdown", http.StatusInternalServerError)
		return
	}
	sess.setDoc(reloaded)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handlePreview renders markdown to HTML for the editor pane.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(req.Content), &buf); err != nil {
		jsonError(w, "failed to render markdown", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"html": buf.String()})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	doc := sessionFrom(r).currentDoc()
	if doc == nil {
		writeJSON(w, http.StatusOK, map[string]any{"candidates": []Position{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markdown_path": doc.path,
		"candidates":    doc.positions,
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	doc := sess.currentDoc()
	if doc == nil {
		jsonError(w, "No session", http.StatusNotFound)
		return
	}

	var req struct {
		Position  *int `json:"position"`
		Candidate *int `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil || req.Candidate == nil {
		jsonError(w, "Missing parameters", http.StatusBadRequest)
		return
	}

	doc.selections[*req.Position] = *req.Candidate
	if err := doc.applySelections(); err != nil {
		jsonError(w, "failed to save selections", http.StatusInternalServerError)
		return
	}

	s.recordPreference(r, sess, doc, *req.Position, *req.Candidate)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	doc := sessionFrom(r).currentDoc()
	if doc == nil {
		jsonError(w, "No session", http.StatusNotFound)
		return
	}

	for _, pos := range doc.positions {
		if len(pos.Candidates) > 0 {
			doc.selections[pos.Index] = 0
		}
	}
	if err := doc.applySelections(); err != nil {
		jsonError(w, "failed to save selections", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "selections": doc.selections})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	doc := sessionFrom(r).currentDoc()
	if doc == nil {
		jsonError(w, "No session", http.StatusNotFound)
		return
	}
	if err := doc.applySelections(); err != nil {
		jsonError(w, "failed to save selections", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "选择已保存",
		"selections": doc.selections,
	})
}

func (s *Server) handleIllustrate(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	username := sess.user.Username

	used, err := s.store.QuotaUsed(r.Context(), username)
	if err != nil {
		jsonError(w, "failed to read quota", http.StatusInternalServerError)
		return
	}
	if used >= sess.user.QuotaLimit {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "今日配图次数已达上限",
			"used":  used,
			"limit": sess.user.QuotaLimit,
		})
		return
	}
	if !s.limiter.allow(sess.token, "illustrate") {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "配图请求过于频繁，请稍后再试",
			"remaining": s.limiter.remaining(sess.token, "illustrate"),
		})
		return
	}

	var req struct {
		Content     string `json:"content"`
		Batch       int    `json:"batch"`
		ImageSource string `json:"imageSource"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		jsonError(w, "内容不能为空", http.StatusBadRequest)
		return
	}
	if req.Batch < 1 {
		req.Batch = 1
	}
	if req.ImageSource == "" {
		req.ImageSource = "auto"
	}

	inputPath := filepath.Join(sess.tempDir, "input.md")
	if err := os.WriteFile(inputPath, []byte(req.Content), 0o644); err != nil {
		jsonError(w, "failed to write temp file", http.StatusInternalServerError)
		return
	}

	result, err := s.illustrator.Illustrate(r.Context(), pipeline.Options{
		InputPath:       inputPath,
		OutputPath:      inputPath,
		ImageSource:     req.ImageSource,
		Batch:           req.Batch,
		RegenerateIndex: -1,
	})
	if err != nil {
		jsonError(w, fmt.Sprintf("配图失败: %v", err), http.StatusInternalServerError)
		return
	}

	content, err := os.ReadFile(result.OutputPath)
	if err != nil {
		jsonError(w, "配图失败：未返回输出文件路径", http.StatusInternalServerError)
		return
	}

	doc, err := loadCandidateDoc(result.OutputPath)
	if err != nil {
		jsonError(w, "failed to parse illustrated markdown", http.StatusInternalServerError)
		return
	}
	sess.setDoc(doc)

	if err := s.store.IncrementQuota(r.Context(), username); err != nil {
		jsonError(w, "failed to update quota", http.StatusInternalServerError)
		return
	}
	used++

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"content":          string(content),
		"path":             result.OutputPath,
		"images_generated": result.ImagesGenerated,
		"message":          fmt.Sprintf("配图成功，生成了 %d 张图片", result.ImagesGenerated),
		"quota_remaining":  sess.user.QuotaLimit - used,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "没有上传文件", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." {
		jsonError(w, "文件名为空", http.StatusBadRequest)
		return
	}
	if !strings.HasSuffix(name, ".md") {
		jsonError(w, "只支持 .md 文件", http.StatusBadRequest)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		jsonError(w, "failed to read upload", http.StatusInternalServerError)
		return
	}

	path := filepath.Join(sess.tempDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		jsonError(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	doc, err := loadCandidateDoc(path)
	if err != nil {
		jsonError(w, "failed to parse markdown", http.StatusInternalServerError)
		return
	}
	sess.setDoc(doc)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"filename":   name,
		"content":    string(content),
		"candidates": doc.positions,
	})
}

func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	name := chi.URLParam(r, "*")
	path, ok := safeJoin(filepath.Join(sess.tempDir, "images"), name)
	if !ok {
		jsonError(w, "invalid path", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, path)
}

// recordPreference logs which candidate ordinal the user picked so future
// batch ordering can learn from it. Failures only warn; the selection
// itself already succeeded.
func (s *Server) recordPreference(r *http.Request, sess *session, doc *candidateDoc, posIndex, candIndex int) {
	pos, ok := doc.position(posIndex)
	if !ok {
		return
	}
	cand, ok := doc.candidate(posIndex, candIndex)
	if !ok {
		return
	}
	err := s.store.RecordSelection(r.Context(), storage.Selection{
		Username:  sess.user.Username,
		ImageType: pos.ImageType,
		Position:  posIndex,
		Candidate: candIndex,
		Path:      cand.Path,
	})
	if err != nil {
		log.Printf("Warning: failed to record preference: %v", err)
	}
}

func userPayload(u *storage.User, used int) map[string]any {
	return map[string]any{
		"username":    u.Username,
		"name":        u.Name,
		"role":        u.Role,
		"quota_limit": u.QuotaLimit,
		"used_today":  used,
		"remaining":   u.QuotaLimit - used,
	}
}
