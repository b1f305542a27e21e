package email

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	ttemplate "text/template"
)

// Template keys accepted by Render.
const (
	TemplateLeadNew              = "lead_new"
	TemplateOTPEmailVerification = "otp_email_verification"
	TemplateOTPPasswordReset     = "otp_password_reset"
	TemplateOTPPhoneVerification = "otp_phone_verification"
)

const baseLayout = `{{define "email"}}<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;color:#1f2933">
<h1 style="font-size:20px">{{.Title}}</h1>
{{template "body" .}}
<p style="color:#7b8794;font-size:12px">This message was sent automatically. Please do not reply.</p>
</body></html>{{end}}`

type emailTemplate struct {
	subject string
	body    string
	text    string
}

var templates = map[string]emailTemplate{
	TemplateLeadNew: {
		subject: "New diagnosis lead: {{.vehicle}}",
		body: `{{define "body"}}<p>Hello {{.Fields.expertName}},</p>
<p>A new diagnosis matches your profile.</p>
<p><strong>{{.Fields.vehicle}}</strong> ({{.Fields.urgency}} urgency)</p>
<p>{{.Fields.summary}}</p>
{{if eq .Fields.isFree "true"}}<p>This lead was covered by your free allowance.</p>{{end}}{{end}}`,
		text: "New lead for {{.vehicle}} ({{.urgency}}): {{.summary}}",
	},
	TemplateOTPEmailVerification: {
		subject: "Your verification code",
		body: `{{define "body"}}<p>Your verification code is</p>
<p style="font-size:28px;letter-spacing:6px"><strong>{{.Fields.code}}</strong></p>
<p>It expires at {{.Fields.expiresAt}}.</p>{{end}}`,
		text: "Your verification code is {{.code}}. It expires at {{.expiresAt}}.",
	},
	TemplateOTPPasswordReset: {
		subject: "Your password reset code",
		body: `{{define "body"}}<p>Use this code to reset your password</p>
<p style="font-size:28px;letter-spacing:6px"><strong>{{.Fields.code}}</strong></p>
<p>If you did not ask for a reset you can ignore this message.</p>{{end}}`,
		text: "Your password reset code is {{.code}}. It expires at {{.expiresAt}}.",
	},
	TemplateOTPPhoneVerification: {
		subject: "Your verification code",
		body: `{{define "body"}}<p>Your verification code is <strong>{{.Fields.code}}</strong>.</p>{{end}}`,
		text: "Your verification code is {{.code}}. It expires at {{.expiresAt}}.",
	},
}

// Rendered is a template expanded with its fields.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render expands the template registered under key. Missing fields render
// empty; unknown keys are an error.
func Render(key string, fields map[string]string) (Rendered, error) {
	tpl, ok := templates[key]
	if !ok {
		return Rendered{}, fmt.Errorf("unknown email template %q", key)
	}

	subject, err := renderText(key+".subject", tpl.subject, fields)
	if err != nil {
		return Rendered{}, err
	}
	text, err := renderText(key+".text", tpl.text, fields)
	if err != nil {
		return Rendered{}, err
	}

	tmpl, err := template.New("base").Option("missingkey=zero").Parse(baseLayout)
	if err == nil {
		_, err = tmpl.Parse(tpl.body)
	}
	if err != nil {
		return Rendered{}, fmt.Errorf("parse email template %s: %w", key, err)
	}

	var buf bytes.Buffer
	data := struct {
		Title  string
		Fields map[string]string
	}{Title: subject, Fields: fields}
	if err := tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return Rendered{}, fmt.Errorf("execute email template %s: %w", key, err)
	}
	return Rendered{Subject: subject, HTML: buf.String(), Text: text}, nil
}

// Keys lists the registered template keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(templates))
	for k := range templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderText(name, src string, fields map[string]string) (string, error) {
	tmpl, err := ttemplate.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, fields); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}
