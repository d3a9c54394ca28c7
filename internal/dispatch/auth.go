package dispatch

import "github.com/emersion/go-sasl"

// smtpPlainAuth builds the SASL PLAIN client used for outbound
// authenticated relaying (spec.md §6's KUMOD_SMTP_AUTH_USERNAME/PASSWORD).
func smtpPlainAuth(username, password string) sasl.Client {
	return sasl.NewPlainClient("", username, password)
}
