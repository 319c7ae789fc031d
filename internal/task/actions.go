package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// fundsIntent 是从步骤参数里解析出的资金动作。
// 动作类型、金额、资产与目标地址都必须在任务提交前解析完毕，
// 执行器不做任何自由文本推断。
type fundsIntent struct {
	Action      approval.Action
	Amount      decimal.Decimal
	Asset       string
	Destination string
}

// fundsIntentOf 判断步骤是否动资金并提取意图。
// TRANSFER 步骤总是动资金；TOOL_EXECUTION 仅在携带 amount 参数时动资金。
func fundsIntentOf(task *Task, step *Step) (*fundsIntent, error) {
	moving := step.Type == StepTransfer
	if step.Type == StepToolExecution {
		if _, ok := step.Params["amount"]; ok {
			moving = true
		}
	}
	if !moving {
		return nil, nil
	}

	amount, err := decimalParam(step.Params, "amount")
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, xerrors.New(CodeTaskValidation, "资金步骤的金额必须大于零")
	}

	action := approval.ActionTransfer
	if raw, ok := step.Params["action"].(string); ok && raw != "" {
		action = approval.Action(strings.ToUpper(strings.TrimSpace(raw)))
	}
	asset := task.Asset
	if raw, ok := step.Params["asset"].(string); ok && raw != "" {
		asset = raw
	}
	destination, _ := step.Params["destination"].(string)

	return &fundsIntent{
		Action:      action,
		Amount:      amount,
		Asset:       asset,
		Destination: destination,
	}, nil
}

func decimalParam(params map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := params[key]
	if !ok {
		return decimal.Zero, xerrors.New(CodeTaskValidation, fmt.Sprintf("资金步骤缺少 %s 参数", key))
	}
	switch value := raw.(type) {
	case string:
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, xerrors.Wrap(CodeTaskValidation, err, fmt.Sprintf("解析 %s 参数失败", key))
		}
		return parsed, nil
	case float64:
		return decimal.NewFromFloat(value), nil
	case json.Number:
		parsed, err := decimal.NewFromString(value.String())
		if err != nil {
			return decimal.Zero, xerrors.Wrap(CodeTaskValidation, err, fmt.Sprintf("解析 %s 参数失败", key))
		}
		return parsed, nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	default:
		return decimal.Zero, xerrors.New(CodeTaskValidation, fmt.Sprintf("%s 参数类型不受支持", key))
	}
}

// StepHandler 执行一个不动资金的步骤，返回写入 Step.Result 的内容。
type StepHandler func(ctx context.Context, task *Task, step *Step) (string, error)

// Actions 汇集各类步骤的执行能力。
type Actions struct {
	executor   chain.Executor
	httpClient *http.Client
	oracleURL  string
	handlers   map[StepType]StepHandler
	log        *slog.Logger
}

// ActionsOption 定义 Actions 的可选配置。
type ActionsOption func(*Actions)

// WithOracleURL 配置行情预言机的查询地址。
func WithOracleURL(url string) ActionsOption {
	return func(a *Actions) { a.oracleURL = strings.TrimSpace(url) }
}

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) ActionsOption {
	return func(a *Actions) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithStepHandler 为指定步骤类型注册自定义处理器。
func WithStepHandler(stepType StepType, handler StepHandler) ActionsOption {
	return func(a *Actions) { a.handlers[stepType] = handler }
}

// NewActions 创建步骤执行器。
func NewActions(executor chain.Executor, opts ...ActionsOption) *Actions {
	a := &Actions{
		executor:   executor,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		handlers:   make(map[StepType]StepHandler),
		log:        logger.Named("actions"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Transfer 执行资金步骤的外部副作用。
func (a *Actions) Transfer(ctx context.Context, intent *fundsIntent, memo string) (*chain.Receipt, error) {
	if a.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链上执行器")
	}
	return a.executor.Transfer(ctx, chain.TransferRequest{
		To:     intent.Destination,
		Amount: intent.Amount,
		Asset:  intent.Asset,
		Memo:   memo,
	})
}

// Run 执行一个不动资金的步骤。
func (a *Actions) Run(ctx context.Context, task *Task, step *Step) (string, error) {
	if handler, ok := a.handlers[step.Type]; ok {
		return handler(ctx, task, step)
	}
	switch step.Type {
	case StepLogOnly:
		message, _ := step.Params["message"].(string)
		if message == "" {
			message = step.Description
		}
		return message, nil
	case StepHTTPRequest:
		return a.runHTTP(ctx, step)
	case StepOracle:
		return a.runOracle(ctx, step)
	case StepToolExecution, StepCustom:
		// 无资金副作用的工具步骤只记录执行痕迹。
		return fmt.Sprintf("executed %s", step.Description), nil
	default:
		return "", xerrors.New(CodeTaskValidation, fmt.Sprintf("不支持的步骤类型: %s", step.Type))
	}
}

func (a *Actions) runHTTP(ctx context.Context, step *Step) (string, error) {
	url, _ := step.Params["url"].(string)
	if strings.TrimSpace(url) == "" {
		return "", xerrors.New(CodeTaskValidation, "HTTP 步骤缺少 url 参数")
	}
	method, _ := step.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, nil)
	if err != nil {
		return "", xerrors.Wrap(CodeStepFailed, err, "构造 HTTP 请求失败")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeStepFailed, err, "HTTP 请求失败")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return "", xerrors.New(CodeStepFailed, fmt.Sprintf("HTTP 步骤返回 %d", resp.StatusCode))
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(body))), nil
}

func (a *Actions) runOracle(ctx context.Context, step *Step) (string, error) {
	if a.oracleURL == "" {
		return "", xerrors.New(CodeTaskValidation, "未配置行情预言机地址")
	}
	pair, _ := step.Params["pair"].(string)
	if pair == "" {
		return "", xerrors.New(CodeTaskValidation, "ORACLE 步骤缺少 pair 参数")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.oracleURL+"?pair="+pair, nil)
	if err != nil {
		return "", xerrors.Wrap(CodeStepFailed, err, "构造预言机请求失败")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeStepFailed, err, "查询预言机失败")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return "", xerrors.New(CodeStepFailed, fmt.Sprintf("预言机返回 %d", resp.StatusCode))
	}
	return strings.TrimSpace(string(body)), nil
}
