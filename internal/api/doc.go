// Package api 暴露托管钱包的 REST 接口：余额与流水查询、入金确认、
// 提现、审批裁决以及任务的提交与恢复。鉴权由外层网关完成，
// 本层只从请求头读取已认证的用户标识。
package api
