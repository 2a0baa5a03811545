package plugin

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/rs/zerolog"
)

// EmailPlugin 邮件发送插件（对外导出）
type EmailPlugin struct {
	name     string
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       []string
	enabled  bool
	logger   zerolog.Logger
	send     func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailPlugin 创建邮件发送插件（对外导出）
func NewEmailPlugin(logger zerolog.Logger) Plugin {
	return &EmailPlugin{
		name:    "email",
		enabled: false,
		logger:  logging.Component(logger, "plugin.email"),
		send:    smtp.SendMail,
	}
}

// Name 插件名称（实现Plugin接口）
func (e *EmailPlugin) Name() string {
	return e.name
}

// Init 初始化插件（实现Plugin接口）
// 参数：smtp_host、smtp_port（默认25）、username、password、from、to（逗号分隔）
func (e *EmailPlugin) Init(params map[string]string) error {
	for _, key := range []string{"smtp_host", "from", "to"} {
		if strings.TrimSpace(params[key]) == "" {
			return fmt.Errorf("%s参数不能为空", key)
		}
	}

	port := 25
	if raw := params["smtp_port"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("smtp_port参数格式错误: %w", err)
		}
		port = p
	}

	var to []string
	for _, addr := range strings.Split(params["to"], ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}

	e.smtpHost, e.smtpPort = params["smtp_host"], port
	e.username, e.password = params["username"], params["password"]
	e.from, e.to = params["from"], to
	e.enabled = true
	e.logger.Info().Str("smtp", e.addr()).Str("from", e.from).Strs("to", e.to).Msg("[EmailPlugin] 初始化完成")
	return nil
}

// Execute 执行邮件发送（实现Plugin接口）
func (e *EmailPlugin) Execute(data interface{}) error {
	if !e.enabled {
		return fmt.Errorf("邮件插件未初始化")
	}

	pluginData, ok := data.(PluginData)
	if !ok {
		return fmt.Errorf("插件数据类型错误")
	}

	// 构建邮件内容
	subject := e.buildSubject(pluginData)
	body := e.buildBody(pluginData)

	// 发送邮件
	if err := e.sendEmail(subject, body); err != nil {
		e.logger.Error().Err(err).Str("workflow_id", pluginData.WorkflowID).Msg("[EmailPlugin] 发送邮件失败")
		return err
	}

	e.logger.Info().Str("event", string(pluginData.Event)).Str("subject", subject).Msg("[EmailPlugin] 邮件发送成功")
	return nil
}

// buildSubject 构建邮件主题
func (e *EmailPlugin) buildSubject(data PluginData) string {
	switch data.Event {
	case events.EventWorkflowCreated:
		return fmt.Sprintf("[Workflow创建] %s - %s", data.SourceKey, data.WorkflowID)
	case events.EventWorkflowStarted:
		return fmt.Sprintf("[Workflow启动] %s - %s", data.SourceKey, data.WorkflowID)
	case events.EventWorkflowResumed:
		return fmt.Sprintf("[Workflow续跑#%d] %s - %s", data.RetryCount, data.SourceKey, data.WorkflowID)
	case events.EventWorkflowCompleted:
		return fmt.Sprintf("[Workflow完成] %s - %s", data.SourceKey, data.WorkflowID)
	case events.EventWorkflowFailed:
		return fmt.Sprintf("[Workflow失败] %s - %s", data.SourceKey, data.WorkflowID)
	case events.EventWorkflowCancelled:
		return fmt.Sprintf("[Workflow取消] %s - %s", data.SourceKey, data.WorkflowID)
	case events.EventQueueDeadLettered:
		return fmt.Sprintf("[死信] %s", data.WorkflowID)
	default:
		return fmt.Sprintf("[系统通知] %s", data.Event)
	}
}

// buildBody 构建告警正文
func (e *EmailPlugin) buildBody(data PluginData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "事件类型: %s\n", data.Event)
	if data.Status != "" {
		fmt.Fprintf(&b, "状态: %s\n", data.Status)
	}
	fmt.Fprintf(&b, "Workflow ID: %s\n", data.WorkflowID)
	if data.SourceKey != "" {
		fmt.Fprintf(&b, "来源: %s\n", data.SourceKey)
	}
	fmt.Fprintf(&b, "续跑次数: %d\n", data.RetryCount)
	if data.Message != "" {
		fmt.Fprintf(&b, "错误信息: %s\n", data.Message)
	}
	if !data.Timestamp.IsZero() {
		fmt.Fprintf(&b, "时间: %s\n", data.Timestamp.Format(time.RFC3339))
	}

	if len(data.Data) > 0 {
		keys := make([]string, 0, len(data.Data))
		for k := range data.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n详细信息:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, data.Data[k])
		}
	}

	switch data.Event {
	case events.EventQueueDeadLettered:
		if id := data.Data["message_id"]; id != "" {
			fmt.Fprintf(&b, "\n排查后可重新投递: watchdog dlq redrive %s\n", id)
		}
	case events.EventWorkflowFailed:
		fmt.Fprintf(&b, "\n查看记录: watchdog workflow get %s\n", data.WorkflowID)
	}
	return b.String()
}

func (e *EmailPlugin) addr() string {
	return net.JoinHostPort(e.smtpHost, strconv.Itoa(e.smtpPort))
}

// sendEmail 发送邮件，465端口走隐式TLS，其余端口由 smtp.SendMail 按需STARTTLS
func (e *EmailPlugin) sendEmail(subject, body string) error {
	msg := e.buildMessage(subject, body)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}
	if e.smtpPort == 465 {
		return e.sendImplicitTLS(auth, msg)
	}
	return e.send(e.addr(), auth, e.from, e.to, msg)
}

// sendImplicitTLS 在TLS连接上完成一次SMTP会话
func (e *EmailPlugin) sendImplicitTLS(auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", e.addr(), &tls.Config{ServerName: e.smtpHost})
	if err != nil {
		return fmt.Errorf("TLS连接失败: %w", err)
	}
	c, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}
	if err := c.Mail(e.from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range e.to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人 %s 失败: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("提交邮件失败: %w", err)
	}
	return c.Quit()
}

// buildMessage 组装RFC 5322邮件
func (e *EmailPlugin) buildMessage(subject, body string) []byte {
	headers := [][2]string{
		{"From", e.from},
		{"To", strings.Join(e.to, ", ")},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}
	var b strings.Builder
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
