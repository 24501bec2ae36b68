package api

import (
	"log/slog"

	"mes-kiosk/internal/kiosk"
	"mes-kiosk/internal/types"
	"mes-kiosk/internal/web"
)

// NavigationMessage 是推送给终端界面的导航指令
type NavigationMessage struct {
	Type    string                   `json:"type"` // navigate | complete | flagIssue
	View    kiosk.View               `json:"view,omitempty"`
	Params  map[string]string        `json:"params,omitempty"`
	Payload *types.CompletionPayload `json:"payload,omitempty"`
}

// HubNavigator 把会话的导航回调通过 WebSocket 推送给界面
type HubNavigator struct {
	Hub    *web.Hub
	Logger *slog.Logger
}

// Navigate 切换界面视图
func (n HubNavigator) Navigate(view kiosk.View, params map[string]string) {
	n.Logger.Debug("切换视图", "view", view, "params", params)
	n.send(NavigationMessage{Type: "navigate", View: view, Params: params})
}

// Complete 通知界面挂载下一工站
func (n HubNavigator) Complete(payload types.CompletionPayload) {
	n.Logger.Info("工序完成，转到下一工站", "work_order_id", payload.WorkOrderID,
		"next_station", payload.NextStationName, "next_operation", payload.NextOperationName)
	n.send(NavigationMessage{Type: "complete", Payload: &payload})
}

// FlagIssue 通知界面打开问题上报
func (n HubNavigator) FlagIssue() {
	n.send(NavigationMessage{Type: "flagIssue"})
}

func (n HubNavigator) send(msg NavigationMessage) {
	if n.Hub != nil {
		n.Hub.BroadcastState(msg)
	}
}
