package res

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type Code int

const (
	SuccessCode Code = 0
	FailCode    Code = 7
)

type Response struct {
	Code Code   `json:"code"`
	Data any    `json:"data"`
	Msg  string `json:"msg"`
}

func response(code Code, data any, msg string, c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Code: code,
		Data: data,
		Msg:  msg,
	})
}

func Ok(c *gin.Context) {
	response(SuccessCode, map[string]any{}, "成功", c)
}

func OkWithData(data any, c *gin.Context) {
	response(SuccessCode, data, "成功", c)
}

func OkWithMsg(msg string, c *gin.Context) {
	response(SuccessCode, map[string]any{}, msg, c)
}

func FailWithMsg(msg string, c *gin.Context) {
	response(FailCode, map[string]any{}, msg, c)
}

// FailWithError 参数校验错误只返回第一个字段
func FailWithError(err error, c *gin.Context) {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		fe := errs[0]
		response(FailCode, map[string]any{}, fe.Field()+" 参数校验失败: "+fe.Tag(), c)
		return
	}
	response(FailCode, map[string]any{}, err.Error(), c)
}
