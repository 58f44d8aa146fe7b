package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dynastymap/api/internal/config"
	"dynastymap/api/internal/gateway"
	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/mapsession"
	"dynastymap/api/internal/media"
	"dynastymap/api/internal/store"
	"go.uber.org/zap"
)

// MapPayload is the session view as served to clients.
type MapPayload struct {
	mapsession.View
	ImageURL        string       `json:"imageUrl"`
	Palette         []grid.Color `json:"palette"`
	Tools           []grid.Color `json:"tools,omitempty"`
	SquareWidthPct  float64      `json:"squareWidthPct"`
	SquareHeightPct float64      `json:"squareHeightPct"`
	Squares         []Square     `json:"squares"`
}

// Square places one painted cell on the background image.
type Square struct {
	Index int        `json:"index"`
	Row   int        `json:"row"`
	Col   int        `json:"col"`
	Color grid.Color `json:"color"`
	grid.Bounds
}

type mapSession interface {
	Start(ctx context.Context) error
	ToggleSelection(ctx context.Context, index int) error
	ApplyColor(ctx context.Context, color grid.Color) error
	ClearAll(ctx context.Context) error
	RenameDynasty(ctx context.Context, color grid.Color, name string) error
	SaveDynasties(ctx context.Context) error
	Reload(ctx context.Context) error
	Snapshot(ctx context.Context) (mapsession.View, error)
	Watch(ctx context.Context) (<-chan mapsession.View, error)
	Close() error
}

// Service hosts the editable admin session and the read-only live session
// over one backend.
type Service struct {
	cfg     config.Config
	backend store.Backend
	image   media.ImageSource
	logger  *zap.Logger
	admin   mapSession
	live    mapSession
	palette []grid.Color
	allowed map[grid.Color]struct{}
}

func New(cfg config.Config, backend store.Backend, image media.ImageSource, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gw, err := gateway.New(gateway.Generation(cfg.Schema), backend, logger)
	if err != nil {
		return nil, err
	}
	dims := grid.Dims{Rows: cfg.Rows, Cols: cfg.Cols}
	open := func(name string, disabled bool) (*mapsession.Controller, error) {
		return mapsession.New(gw, mapsession.Options{
			Dims:        dims,
			Mode:        mapsession.ModeFromDisabled(disabled),
			CallTimeout: cfg.CallTimeout,
			WritePolicy: mapsession.WritePolicy(cfg.WritePolicy),
			Logger:      logger.With(zap.String("session", name)),
		})
	}
	admin, err := open("admin", false)
	if err != nil {
		return nil, fmt.Errorf("open admin session: %w", err)
	}
	live, err := open("live", true)
	if err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("open live session: %w", err)
	}
	return newService(cfg, backend, image, logger, admin, live), nil
}

func newService(cfg config.Config, backend store.Backend, image media.ImageSource, logger *zap.Logger, admin, live mapSession) *Service {
	if image == nil {
		image = media.StaticImage(cfg.ImageURL)
	}
	palette := make([]grid.Color, 0, len(cfg.Palette))
	allowed := make(map[grid.Color]struct{}, len(cfg.Palette))
	for _, raw := range cfg.Palette {
		color := grid.Color(strings.TrimSpace(raw))
		if color == "" {
			continue
		}
		if _, dup := allowed[color]; dup {
			continue
		}
		palette = append(palette, color)
		allowed[color] = struct{}{}
	}
	return &Service{
		cfg:     cfg,
		backend: backend,
		image:   image,
		logger:  logger,
		admin:   admin,
		live:    live,
		palette: palette,
		allowed: allowed,
	}
}

// Start hydrates both sessions. Failures surface in the session views.
func (s *Service) Start(ctx context.Context) error {
	if err := s.admin.Start(ctx); err != nil {
		return fmt.Errorf("start admin session: %w", err)
	}
	if err := s.live.Start(ctx); err != nil {
		return fmt.Errorf("start live session: %w", err)
	}
	return nil
}

func (s *Service) Close() error {
	return errors.Join(s.admin.Close(), s.live.Close())
}

func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Service) PublicMap(ctx context.Context) (MapPayload, error) {
	v, err := s.live.Snapshot(ctx)
	if err != nil {
		return MapPayload{}, err
	}
	return s.payload(ctx, v, false), nil
}

func (s *Service) AdminMap(ctx context.Context) (MapPayload, error) {
	v, err := s.admin.Snapshot(ctx)
	if err != nil {
		return MapPayload{}, err
	}
	return s.payload(ctx, v, true), nil
}

// WatchPublic streams live views as payloads until ctx ends.
func (s *Service) WatchPublic(ctx context.Context) (<-chan MapPayload, error) {
	views, err := s.live.Watch(ctx)
	if err != nil {
		return nil, err
	}
	imageURL := s.imageURL(ctx)
	out := make(chan MapPayload)
	go func() {
		defer close(out)
		for v := range views {
			p := s.payloadWithImage(v, imageURL, false)
			select {
			case out <- p:
			case <-ctx.Done():
				// Drain so the session can close the channel.
				for range views {
				}
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) ToggleSelection(ctx context.Context, index int) (MapPayload, error) {
	if err := s.admin.ToggleSelection(ctx, index); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

// SelectCell toggles the cell at row and col.
func (s *Service) SelectCell(ctx context.Context, row, col int) (MapPayload, error) {
	if row < 0 || row >= s.cfg.Rows || col < 0 || col >= s.cfg.Cols {
		return MapPayload{}, fmt.Errorf("select cell (%d, %d): %w", row, col, grid.ErrOutOfGrid)
	}
	return s.ToggleSelection(ctx, grid.ToIndex(row, col, s.cfg.Cols))
}

func (s *Service) ApplyColor(ctx context.Context, color string) (MapPayload, error) {
	c, err := s.toolColor(color)
	if err != nil {
		return MapPayload{}, err
	}
	if err := s.admin.ApplyColor(ctx, c); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

func (s *Service) ClearAll(ctx context.Context) (MapPayload, error) {
	if err := s.admin.ClearAll(ctx); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

func (s *Service) RenameDynasty(ctx context.Context, color, name string) (MapPayload, error) {
	c := grid.Color(strings.TrimSpace(color))
	if _, ok := s.allowed[c]; !ok {
		return MapPayload{}, domainError(http.StatusUnprocessableEntity, "INVALID_COLOR", "Color is not in the palette", map[string]any{"color": color})
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return MapPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.admin.RenameDynasty(ctx, c, name); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

func (s *Service) SaveDynasties(ctx context.Context) (MapPayload, error) {
	if err := s.admin.SaveDynasties(ctx); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

func (s *Service) Reload(ctx context.Context) (MapPayload, error) {
	if err := s.admin.Reload(ctx); err != nil {
		return MapPayload{}, err
	}
	return s.AdminMap(ctx)
}

func (s *Service) toolColor(raw string) (grid.Color, error) {
	color := grid.Color(strings.TrimSpace(raw))
	if color == grid.Eraser || color == grid.EraseAll {
		return color, nil
	}
	if _, ok := s.allowed[color]; !ok {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_COLOR", "Color is not in the palette", map[string]any{"color": raw})
	}
	return color, nil
}

func (s *Service) imageURL(ctx context.Context) string {
	u, err := s.image.ImageURL(ctx)
	if err != nil {
		s.logger.Warn("resolve background image", zap.Error(err))
		return ""
	}
	return u
}

func (s *Service) payload(ctx context.Context, v mapsession.View, admin bool) MapPayload {
	return s.payloadWithImage(v, s.imageURL(ctx), admin)
}

func (s *Service) payloadWithImage(v mapsession.View, imageURL string, admin bool) MapPayload {
	p := MapPayload{
		View:            v,
		ImageURL:        imageURL,
		Palette:         s.palette,
		SquareWidthPct:  v.Dims.SquareWidthPct(),
		SquareHeightPct: v.Dims.SquareHeightPct(),
	}
	if admin {
		p.Tools = []grid.Color{grid.Eraser, grid.EraseAll}
	}
	p.Squares = squares(v.Dense, v.Dims.Cols, p.SquareWidthPct, p.SquareHeightPct)
	return p
}

// squares lays out the painted cells of dense in index order.
func squares(dense []grid.Color, cols int, widthPct, heightPct float64) []Square {
	out := []Square{}
	if cols <= 0 {
		return out
	}
	for index, color := range dense {
		if color == "" {
			continue
		}
		row, col := grid.ToRowCol(index, cols)
		out = append(out, Square{
			Index:  index,
			Row:    row,
			Col:    col,
			Color:  color,
			Bounds: grid.CellBounds(index, cols, widthPct, heightPct),
		})
	}
	return out
}
