package swagger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/smartystreets/goconvey/convey"
)

func TestRegister(t *testing.T) {
	convey.Convey("Given a mux with the docs routes", t, func() {
		mux := http.NewServeMux()
		Register(context.Background(), mux)

		get := func(method, path string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(method, path, http.NoBody))
			return w
		}

		convey.Convey("Then /openapi.yaml serves the embedded document", func() {
			w := get(http.MethodGet, "/openapi.yaml")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Header().Get("Content-Type"), convey.ShouldEqual, "application/yaml; charset=utf-8")
			convey.So(w.Body.Bytes(), convey.ShouldResemble, OpenAPI)
		})

		convey.Convey("Then /api-docs loads ReDoc against the document", func() {
			w := get(http.MethodGet, "/api-docs")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Header().Get("Content-Type"), convey.ShouldEqual, "text/html; charset=utf-8")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "meterline API")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, RedocURL)
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "Redoc.init('/openapi.yaml'")
		})

		convey.Convey("Then other methods are refused", func() {
			w := get(http.MethodPost, "/openapi.yaml")
			convey.So(w.Code, convey.ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	convey.Convey("Given a nil mux", t, func() {
		convey.So(func() { Register(context.Background(), nil) }, convey.ShouldPanic)
	})
}

func TestOpenAPIDocument(t *testing.T) {
	convey.Convey("Given the embedded OpenAPI document", t, func() {
		doc, err := yaml.Parser().Unmarshal(OpenAPI)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("Then it declares OpenAPI 3", func() {
			convey.So(doc["openapi"], convey.ShouldStartWith, "3.")
		})

		convey.Convey("Then every served route is documented", func() {
			paths, ok := doc["paths"].(map[string]any)
			convey.So(ok, convey.ShouldBeTrue)
			for _, p := range []string{"/events", "/records/{event_id}", "/audit", "/stats", "/healthz"} {
				convey.So(paths, convey.ShouldContainKey, p)
			}
		})
	})
}
