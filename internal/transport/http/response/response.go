package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ragdesk/internal/app"
)

// ErrorBody is the shape of every error response and SSE error event.
type ErrorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

func Error(c *gin.Context, httpStatus int, kind, detail string) {
	c.AbortWithStatusJSON(httpStatus, ErrorBody{Kind: kind, Detail: detail})
}

// FromError writes err with the status of its kind. Server-side failures get
// a generic detail.
func FromError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := app.StatusOf(err)
	c.AbortWithStatusJSON(status, Body(err))
}

// Body renders err for clients.
func Body(err error) ErrorBody {
	kind := app.KindOf(err)
	switch app.StatusOf(err) {
	case http.StatusInternalServerError:
		return ErrorBody{Kind: kind, Detail: "internal server error"}
	case http.StatusBadGateway:
		return ErrorBody{Kind: kind, Detail: "upstream service unavailable"}
	}
	return ErrorBody{Kind: kind, Detail: err.Error()}
}
