package middleware

import (
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

const requestKey = "request"

type bindFunc func(c *gin.Context, obj any) error

// bindWith 绑定失败时直接返回错误响应并中止
func bindWith[T any](bind bindFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cr T
		if err := bind(c, &cr); err != nil {
			res.FailWithError(err, c)
			c.Abort()
			return
		}
		c.Set(requestKey, cr)
	}
}

func BindJsonMiddleware[T any](c *gin.Context) {
	bindWith[T](func(c *gin.Context, obj any) error { return c.ShouldBindJSON(obj) })(c)
}

func BindQueryMiddleware[T any](c *gin.Context) {
	bindWith[T](func(c *gin.Context, obj any) error { return c.ShouldBindQuery(obj) })(c)
}

func BindUriMiddleware[T any](c *gin.Context) {
	bindWith[T](func(c *gin.Context, obj any) error { return c.ShouldBindUri(obj) })(c)
}

func GetBindRequest[T any](c *gin.Context) (cr T) {
	return c.MustGet(requestKey).(T)
}
