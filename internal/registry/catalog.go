package registry

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
)

// defaultPageSize applies when no n query parameter is given.
const defaultPageSize = 100

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

type tagListResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// catalog handles GET /v2/_catalog with n/last cursor pagination.
func (h *Handler) catalog(c echo.Context) error {
	repos, err := h.tags.Repositories()
	if err != nil {
		return translateError(c, err)
	}

	n, err := pageSize(c.QueryParam("n"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "invalid page size")
	}

	page, full := paginate(repos, c.QueryParam("last"), n)
	if full {
		c.Response().Header().Set("Link", pageLink("/v2/_catalog", n, page[len(page)-1]))
	}
	return c.JSON(http.StatusOK, catalogResponse{Repositories: page})
}

// listTags handles GET /v2/<name>/tags/list with the same cursor scheme.
func (h *Handler) listTags(c echo.Context, name string) error {
	if c.Request().Method != http.MethodGet {
		return methodNotAllowed(c)
	}

	tags, err := h.tags.Tags(name)
	if err != nil {
		return translateError(c, err)
	}

	n, err := pageSize(c.QueryParam("n"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "invalid page size")
	}

	page, full := paginate(tags, c.QueryParam("last"), n)
	if full {
		c.Response().Header().Set("Link", pageLink("/v2/"+name+"/tags/list", n, page[len(page)-1]))
	}
	return c.JSON(http.StatusOK, tagListResponse{Name: name, Tags: page})
}

func pageSize(raw string) (int, error) {
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid page size %q", raw)
	}
	return n, nil
}

// paginate returns up to n entries lexicographically after last. A page of
// exactly n entries carries a Link header pointing at the next page; only a
// short page signals the end of the listing.
func paginate(sorted []string, last string, n int) ([]string, bool) {
	start := 0
	if last != "" {
		start = sort.SearchStrings(sorted, last)
		if start < len(sorted) && sorted[start] == last {
			start++
		}
	}

	end := start + n
	if end > len(sorted) {
		end = len(sorted)
	}
	page := sorted[start:end]
	return page, len(page) == n
}

// pageLink builds the RFC 5988 Link header pointing at the next page.
func pageLink(path string, n int, last string) string {
	query := url.Values{}
	query.Set("n", strconv.Itoa(n))
	query.Set("last", last)
	return fmt.Sprintf(`<%s?%s>; rel="next"`, path, query.Encode())
}
