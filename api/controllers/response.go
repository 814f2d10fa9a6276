package controllers

import (
	"net/http"

	"github.com/go-chi/render"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data"`
	Total  int64       `json:"total" example:"100"`
	Page   int         `json:"page" example:"1"`
	Size   int         `json:"size" example:"10"`
}

// SuccessResponse 成功响应
func SuccessResponse(msg string, data interface{}) APIResponse {
	return APIResponse{Status: 0, Msg: msg, Data: data}
}

// ErrorResponse 错误响应，status 与 HTTP 状态码一致
func ErrorResponse(status int, msg string, data interface{}) APIResponse {
	return APIResponse{Status: status, Msg: msg, Data: data}
}

// BadRequestResponse 请求参数错误
func BadRequestResponse(msg string, data interface{}) APIResponse {
	return ErrorResponse(http.StatusBadRequest, msg, data)
}

// NotFoundResponse 资源不存在
func NotFoundResponse(msg string, data interface{}) APIResponse {
	return ErrorResponse(http.StatusNotFound, msg, data)
}

// respond 写入状态码与响应体
func respond(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	render.Status(r, status)
	render.JSON(w, r, body)
}
