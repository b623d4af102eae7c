package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/store"
	"github.com/zeusync/decksync/internal/injector"
)

type commands struct {
	app *injector.App
	out io.Writer
}

func (c *commands) dispatch(ctx context.Context, opts docopt.Opts) error {
	if err := c.app.Store.Initialize(ctx); err != nil {
		// The cached list is still usable.
		c.app.Logger.Warn("Refreshing documents failed", log.Error(err))
	}

	switch {
	case flag(opts, "list"):
		sortType, _ := opts.String("--sort")
		return c.list(ctx, store.SortType(sortType))
	case flag(opts, "create"):
		name, _ := opts.String("<name>")
		return c.create(ctx, name)
	case flag(opts, "rename"):
		id, _ := opts.String("<id>")
		name, _ := opts.String("<name>")
		return c.app.Store.RenameDocument(ctx, id, name)
	case flag(opts, "delete"):
		id, _ := opts.String("<id>")
		return c.app.Store.DeleteDocument(ctx, id)
	case flag(opts, "select"):
		id, _ := opts.String("<id>")
		return c.app.Store.SelectDocument(ctx, id)
	case flag(opts, "import"):
		exportID, _ := opts.String("<export_id>")
		return c.importDocument(ctx, exportID)
	case flag(opts, "slides"):
		id, _ := opts.String("<id>")
		return c.slides(ctx, id)
	case flag(opts, "add-slide"):
		id, _ := opts.String("<id>")
		title, _ := opts.String("<title>")
		return c.addSlide(ctx, id, title)
	case flag(opts, "add-image"):
		id, _ := opts.String("<id>")
		slideID, _ := opts.String("<slide_id>")
		file, _ := opts.String("<file>")
		return c.addImage(ctx, id, slideID, file)
	case flag(opts, "watch"):
		return c.watch(ctx)
	}
	return errors.New("unknown command")
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func (c *commands) list(ctx context.Context, sortType store.SortType) error {
	if sortType != "" {
		if err := c.app.Store.SetSortType(ctx, sortType); err != nil {
			return errors.Wrapf(err, "sort by %q", sortType)
		}
	}
	active := c.app.Store.ActiveDocument()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tTITLE\tLAST VIEWED")
	printDocument(w, c.app.Store.Scratchpad(), active)
	for _, doc := range c.app.Store.Documents() {
		printDocument(w, doc, active)
	}
	return w.Flush()
}

func printDocument(w io.Writer, doc, active *model.Document) {
	marker := ""
	if doc == active {
		marker = "*"
	}
	title := doc.Title
	if doc.Type.IsScratchpad() {
		title = "(scratchpad)"
	}
	viewed := ""
	if !doc.LastViewed.IsZero() {
		viewed = doc.LastViewed.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, doc.ID, title, viewed)
}

func (c *commands) create(ctx context.Context, name string) error {
	doc, err := c.app.Store.CreateDocument(ctx, name, model.DocumentGeneric)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, doc.ID)
	return c.app.Store.SelectDocument(ctx, doc.ID)
}

func (c *commands) importDocument(ctx context.Context, exportID string) error {
	doc, err := c.app.Store.ImportDocument(ctx, exportID)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, doc.ID)
	return nil
}

func (c *commands) slides(ctx context.Context, id string) error {
	t, err := c.app.Store.OpenDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := c.app.Store.MarkViewed(ctx, id, time.Now()); err != nil {
		c.app.Logger.Warn("Marking document viewed failed", log.Error(err))
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tOBJECTS")
	for _, slide := range t.Slides() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", slide.ID, slide.Title, len(slide.Objects))
	}
	return w.Flush()
}

func (c *commands) addSlide(ctx context.Context, id, title string) error {
	t, err := c.app.Store.OpenDocument(ctx, id)
	if err != nil {
		return err
	}
	slide, err := t.CreateSlide(ctx, title)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, slide.ID)
	return nil
}

func (c *commands) addImage(ctx context.Context, id, slideID, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "read %s", file)
	}
	t, err := c.app.Store.OpenDocument(ctx, id)
	if err != nil {
		return err
	}
	obj := model.NewMediaObject(uuid.NewString(), model.KindImage)
	obj.SetAsset(model.RoleContent, data, http.DetectContentType(data))
	err = t.AddObjects(ctx, slideID, []*model.MediaObject{obj}, func(done, total int64) {
		fmt.Fprintf(c.out, "\ruploaded %d/%d bytes", done, total)
	})
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, obj.ID)
	return nil
}

// watch prints document list changes pushed by the realtime channel until
// interrupted, serving metrics when an address is configured.
func (c *commands) watch(ctx context.Context) error {
	sub, err := c.app.Store.OnPropertyChanged(bus.PropertyDocuments, func(change bus.PropertyChange) {
		fmt.Fprintf(c.out, "documents: %v\n", change.New)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Cancel() }()

	if addr := c.app.Config.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.app.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.app.Logger.Error("Serving metrics failed", log.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()
	}

	if c.app.Realtime == nil || !c.app.Auth.Endpoint().IsAuthenticated() {
		fmt.Fprintln(c.out, "realtime updates need a service token and realtime.enabled")
	}
	<-ctx.Done()
	return nil
}
