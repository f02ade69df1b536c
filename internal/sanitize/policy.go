package sanitize

import "github.com/mattjoyce/hookline/internal/source"

// Marker replaces every redacted value. The key itself is kept.
const Marker = "[REDACTED]"

// Scope applies rules to every key nested under one of Blocks. With Keep set,
// scalar values whose key is not in Keep are redacted. With Redact set, only
// the listed keys are redacted.
type Scope struct {
	Blocks []string
	Keep   []string
	Redact []string
}

// Policy is the redaction table for one source. Strip keys have their whole
// value (object, array or scalar) replaced with Marker.
type Policy struct {
	Strip  []string
	Scopes []Scope
}

// GlobalPatterns applies to every source. A pattern matches any key whose
// normalized form (lowercase, separators removed) contains it, so "cvv" hits
// "card_cvv2" and "ssn" hits "customerSSN". Over-matching such as
// "business_name" is accepted.
var GlobalPatterns = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"apikey",
	"accesstoken",
	"refreshtoken",
	"privatekey",
	"sshkey",
	"webhooksecret",
	"clientsecret",
	"cvv",
	"cvc",
	"cardnumber",
	"accountnumber",
	"routingnumber",
	"bankaccount",
	"ssn",
	"passport",
	"driverslicense",
	"driverlicense",
	"nationalid",
}

// Policies holds the provider-specific tables.
var Policies = map[source.Source]Policy{
	source.Payments: {
		Strip: []string{
			"sources", "payment_sources", "fingerprint",
			"customer_email", "customer_name", "customer_phone", "receipt_email",
		},
		Scopes: []Scope{{
			Blocks: []string{
				"card", "payment_method", "payment_method_details",
				"billing_details", "customer_details", "shipping", "source",
				"customer_address", "customer_shipping",
			},
			// Kept for support debugging; everything else in these blocks goes.
			Keep: []string{
				"id", "object", "type", "brand", "last4", "exp_month", "exp_year",
				"country", "postal_code", "funding", "network",
			},
		}},
	},
	source.SCM: {
		Strip: []string{
			"installation_token", "access_tokens_url", "app_key",
			"credentials", "authorization", "authorizations",
		},
		Scopes: []Scope{{
			Blocks: []string{"author", "committer", "pusher", "sender", "user", "head_commit"},
			Redact: []string{"email"},
		}},
	},
	source.Identity: {
		Strip: []string{
			"email_addresses", "phone_numbers", "external_accounts", "web3_wallets",
			"profile_image_url", "image_url",
			"unsafe_metadata", "private_metadata",
		},
	},
	source.Test: {},
}
