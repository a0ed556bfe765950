package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mapxion/internal/http/handlers"
	"mapxion/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.ClientCountry(app.Countries),
		middleware.Logger(app.Logger, app.Metrics),
		chimw.Recoverer,
		middleware.CORS(app.Config.CORSAllowedOrigins),
	)

	r.Get("/", app.Root)
	r.Get("/health", app.Health)
	r.Get("/version", app.VersionInfo)
	r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())
	r.Get("/openapi.json", app.OpenAPIJSON)
	r.Get("/docs", app.OpenAPIDocs)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", app.ListJobs)
		r.Post("/", app.CreateJob)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetJob)
			r.Patch("/", app.PatchJob)
			r.Post("/upload", app.UploadInputs)
			r.Post("/submit", app.SubmitJob)
			r.Get("/files", app.ListFiles)
			r.Get("/input.zip", app.InputArchive)
			r.Post("/output", app.UploadOutput)
			r.Get("/outputs", app.ListOutputs)
			r.Get("/outputs/{name}", app.ServeOutput)
			r.Get("/download", app.DownloadOutputs)
		})
	})

	return r
}
