// Package server 提供 HTTP API：POST /analyze、GET /healthz、GET /metrics。
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ddreport/internal/config"
	"ddreport/internal/diag"
	"ddreport/internal/ingest"
	"ddreport/internal/service"
	"ddreport/pkg/contract"
)

// StatusClientClosed 客户端在运行完成前断开（nginx 约定）。
const StatusClientClosed = 499

// 内存中保留的 multipart 上限，超出部分落临时文件。
const multipartMemory = 32 << 20

// Analyzer 执行一次分析（service.Service 实现）。
type Analyzer interface {
	Analyze(ctx context.Context, req service.Request) (service.Response, error)
}

type Server struct {
	an     Analyzer
	ext    ingest.Extractor
	cfg    config.Server
	logger *diag.Logger
}

func New(an Analyzer, ext ingest.Extractor, cfg config.Server, logger *diag.Logger) *Server {
	return &Server{an: an, ext: ext, cfg: cfg, logger: logger}
}

// Handler 返回带恢复与指标中间件的 gin 路由。
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.MaxMultipartMemory = multipartMemory
	r.Use(gin.Recovery(), observe())
	if len(s.cfg.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.POST("/analyze", s.analyze)
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(diag.Handler()))
	return r
}

// ListenAndServe 监听 cfg.Addr 直到 ctx 取消，随后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上服务；ctx 取消后在 ShutdownTimeout 内等待在途请求完成。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	t := s.logger.StartWithKV("server", "listen", "", "", map[string]string{"addr": ln.Addr().String()})
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("server", string(diag.Classify(err)), err.Error(), t.Since())
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.logger.Error("server", string(diag.Classify(err)), "shutdown: "+err.Error(), t.Since())
		return err
	}
	<-errc
	t.Finish("shutdown", 0)
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) analyze(c *gin.Context) {
	if s.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", mbe.Limit))
			return
		}
		writeError(c, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer func() { _ = form.RemoveAll() }()

	files := form.File["files"]
	if len(files) == 0 {
		writeError(c, http.StatusBadRequest, errors.New("no files uploaded"))
		return
	}
	var loaded ingest.Loaded
	for _, fh := range files {
		name := contract.BaseName(fh.Filename)
		if !ingest.Supported(name) {
			loaded.Reject(name, "unsupported file type")
			continue
		}
		data, err := readPart(fh)
		if err != nil {
			loaded.Reject(name, err.Error())
			continue
		}
		res, err := s.ext.Extract(name, data)
		if err != nil {
			loaded.Reject(name, err.Error())
			continue
		}
		loaded.Add(res)
	}

	req := service.FromLoaded(loaded)
	req.DDType = c.PostForm("dd_type")
	req.ReportFocus = c.PostForm("report_focus")
	req.ChecklistType = c.PostForm("checklist_type")

	resp, err := s.an.Analyze(c.Request.Context(), req)
	if err != nil {
		writeError(c, StatusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// StatusFor 将运行错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return StatusClientClosed
	case errors.Is(err, contract.ErrInvalidInput), errors.Is(err, contract.ErrPathInvalid):
		return http.StatusBadRequest
	case errors.Is(err, contract.ErrBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, contract.ErrTemplateResponse),
		errors.Is(err, contract.ErrInvalidResponse),
		errors.Is(err, contract.ErrUpstreamService),
		errors.Is(err, contract.ErrRateLimited):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, errorBody{Error: err.Error(), Code: string(diag.Classify(err))})
}

// observe 记录每个路由的请求计数与耗时；未注册路径归为 other，限定标签基数。
func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := "other"
		if p := c.FullPath(); p != "" {
			route = c.Request.Method + " " + p
		}
		diag.IncOp("http", route, strconv.Itoa(c.Writer.Status()))
		diag.ObserveDuration("http", route, time.Since(start).Milliseconds())
	}
}
