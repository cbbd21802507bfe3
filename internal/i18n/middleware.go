package i18n

import "net/http"

// Middleware picks each request's language from the lang query parameter
// or the Accept-Language header and stores its localizer in the context.
func (c *Catalog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pref := r.URL.Query().Get("lang")
		if pref == "" {
			pref = r.Header.Get("Accept-Language")
		}
		lang := c.Match(pref)
		w.Header().Set("Content-Language", lang)
		ctx := WithLocalizer(r.Context(), c.Localizer(lang))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
