package fleet

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader"
	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/fleet/export"
	"github.com/yowenter/fleetd/pkg/fleet/loader"
	"github.com/yowenter/fleetd/pkg/fleet/schema"
	"github.com/yowenter/fleetd/pkg/types"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SetupRoutes mounts one collection per record kind under /api.
func (fc *FleetController) SetupRoutes(r gin.IRouter) {
	api := r.Group("/api")
	for _, kind := range fc.schemas.Kinds() {
		sc := fc.schemas[kind]
		g := api.Group("/" + sc.Collection)
		g.GET("", fc.ListRecordsHandler(sc))
		g.POST("", fc.CreateRecordHandler(sc))
		g.GET("/:id", fc.GetRecordHandler(sc))
		g.PUT("/:id", fc.UpdateRecordHandler(sc))
	}
	api.GET("/exports/fleet.xlsx", fc.ExportHandler)
}

func setVersionHeaders(c *gin.Context, r *types.Record) {
	c.Header("ETag", types.ETag(r.Revision))
	c.Header("Last-Modified", types.LastModified(r))
}

func (fc *FleetController) GetRecordHandler(sc *schema.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := fc.LoadRecord(c.Request.Context(), sc.Kind, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		setVersionHeaders(c, r)
		if inm := c.GetHeader("If-None-Match"); inm != "" {
			if rev, err := types.ParseETag(inm); err == nil && rev == r.Revision {
				c.Status(http.StatusNotModified)
				return
			}
		}
		c.JSON(http.StatusOK, types.NewRecordView(r))
	}
}

func (fc *FleetController) ListRecordsHandler(sc *schema.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		records, err := fc.ListRecords(ctx, sc.Kind)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]*types.RecordView, 0, len(records))
		for _, r := range records {
			views = append(views, types.NewRecordView(r))
		}

		if expand, _ := strconv.ParseBool(c.Query("expand")); expand {
			if err := fc.expandReferences(ctx, sc, views); err != nil {
				writeError(c, unavailable(err))
				return
			}
		}
		c.JSON(http.StatusOK, views)
	}
}

// expandReferences resolves every reference field of views through a
// request scoped loader. Dangling references are left unexpanded.
func (fc *FleetController) expandReferences(ctx context.Context, sc *schema.Schema, views []*types.RecordView) error {
	l := loader.NewRecordLoader(fc)

	type pending struct {
		view  *types.RecordView
		field string
		thunk dataloader.Thunk
	}
	var queued []pending
	for _, v := range views {
		for _, ref := range sc.References() {
			if id := v.Fields[ref.Name]; id != "" {
				queued = append(queued, pending{v, ref.Name, l.Prime(ctx, ref.Reference, id)})
			}
		}
	}

	for _, p := range queued {
		r, err := loader.Resolve(p.thunk)
		if err != nil {
			return err
		}
		if r == nil {
			log.Debugf("%s %s references missing record %s", p.view.Kind, p.view.ID, p.view.Fields[p.field])
			continue
		}
		if p.view.Expanded == nil {
			p.view.Expanded = map[string]*types.RecordView{}
		}
		p.view.Expanded[p.field] = types.NewRecordView(r)
	}
	return nil
}

type createReq struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func (fc *FleetController) CreateRecordHandler(sc *schema.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, types.ErrorResp{Error: err.Error()})
			return
		}
		r, err := fc.CreateRecord(c.Request.Context(), sc.Kind, req.ID, req.Fields)
		if err != nil {
			writeError(c, err)
			return
		}
		setVersionHeaders(c, r)
		c.JSON(http.StatusCreated, types.NewRecordView(r))
	}
}

// UpdateRecordHandler takes the field changes as the JSON body and the base
// version from If-Match or If-Unmodified-Since.
func (fc *FleetController) UpdateRecordHandler(sc *schema.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		var changes map[string]string
		if err := c.ShouldBindJSON(&changes); err != nil {
			c.JSON(http.StatusUnprocessableEntity, types.ErrorResp{Error: err.Error()})
			return
		}

		req := &types.UpdateRequest{
			Kind:    sc.Kind,
			ID:      c.Param("id"),
			Changes: changes,
		}
		if im := c.GetHeader("If-Match"); im != "" {
			rev, matchAny, err := types.ParseIfMatch(im)
			if err != nil {
				c.JSON(http.StatusBadRequest, types.ErrorResp{Error: err.Error()})
				return
			}
			req.BaseVersion, req.MatchAny = rev, matchAny
		}
		if ius := c.GetHeader("If-Unmodified-Since"); ius != "" {
			ts, err := http.ParseTime(ius)
			if err != nil {
				c.JSON(http.StatusBadRequest, types.ErrorResp{Error: "invalid If-Unmodified-Since: " + err.Error()})
				return
			}
			req.UnmodifiedSince = ts
		}

		res, err := fc.SubmitUpdate(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		setVersionHeaders(c, res.Record)
		c.JSON(http.StatusOK, types.UpdateResp{
			Record:  types.NewRecordView(res.Record),
			Changes: res.Changes,
		})
	}
}

func (fc *FleetController) ExportHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var schemas []*schema.Schema
	records := map[string][]*types.Record{}
	for _, kind := range fc.schemas.Kinds() {
		rs, err := fc.ListRecords(ctx, kind)
		if err != nil {
			writeError(c, err)
			return
		}
		schemas = append(schemas, fc.schemas[kind])
		records[kind] = rs
	}

	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", `attachment; filename="fleet.xlsx"`)
	c.Status(http.StatusOK)
	if err := export.WriteWorkbook(c.Writer, schemas, records); err != nil {
		log.Errorf("export workbook err %v", err)
	}
}

func writeError(c *gin.Context, err error) {
	var conflict *ConflictError
	var fe *schema.FieldError
	switch {
	case errors.As(err, &conflict):
		setVersionHeaders(c, conflict.Current)
		c.JSON(http.StatusPreconditionFailed, types.ConflictResp{
			Error:   err.Error(),
			Current: types.NewRecordView(conflict.Current),
			Pending: conflict.Pending,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, types.ErrorResp{Error: err.Error()})
	case errors.Is(err, ErrInvalidField):
		resp := types.ErrorResp{Error: err.Error()}
		if errors.As(err, &fe) {
			resp.Field = fe.Field
		}
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, ErrPreconditionRequired):
		c.JSON(http.StatusPreconditionRequired, types.ErrorResp{Error: err.Error()})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, types.ErrorResp{Error: err.Error()})
	case errors.Is(err, ErrUnavailable):
		log.Errorf("%s %s err %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusServiceUnavailable, types.ErrorResp{Error: err.Error()})
	default:
		log.Errorf("%s %s err %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, types.ErrorResp{Error: err.Error()})
	}
}
