package errors

import "net/http"

// ToHTTP converts an error into an HTTP status code and a JSON-serializable
// body matching the project's Status shape: { code, reason, message, metadata }.
//
// 释放路径产生的错误不应走到这里；ToHTTP 只服务于请求主链路的响应。
func ToHTTP(err error) (statusCode int, body Status) {
	if err == nil {
		return http.StatusOK, Status{Code: int32(http.StatusOK)}
	}

	appErr := FromError(err)
	body = Status{
		Code:    appErr.Code,
		Reason:  appErr.Reason,
		Message: appErr.Message,
	}
	if appErr.Metadata != nil {
		body.Metadata = make(map[string]string, len(appErr.Metadata))
		for k, v := range appErr.Metadata {
			body.Metadata[k] = v
		}
	}
	return int(appErr.Code), body
}
