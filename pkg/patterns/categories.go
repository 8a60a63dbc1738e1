package patterns

// =============================================================================
// PATTERN DEFINITIONS BY CATEGORY
// All patterns are registered here and compiled once at package init.
// This provides a single source of truth for all smishing patterns.
// =============================================================================

// --- URGENCY PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerUrgencyPatterns() {
	cat := CategoryUrgency

	r.register("act_now", `(?i)\b(act|respond|reply|click|verify|confirm)\s+(now|immediately|today|within\s+\d+)`, cat, 15, "Immediate-action pressure")
	r.register("expires_soon", `(?i)\b(expires?|expiring|suspended?|deactivated?|locked|closed)\s+(today|soon|in\s+\d+|within)`, cat, 15, "Artificial deadline")
	r.register("final_notice", `(?i)\b(final|last|urgent)\s+(notice|warning|reminder|attempt)\b`, cat, 15, "Final-notice framing")
	r.register("limited_time", `(?i)\blimited\s+time\b|\bhurry\b|\bdon'?t\s+delay\b`, cat, 10, "Limited-time pressure")
	r.register("account_suspended", `(?i)\baccount\s+(has\s+been\s+|will\s+be\s+)?(suspended|locked|restricted|limited|deactivated)`, cat, 20, "Account suspension scare")
	r.register("unusual_activity", `(?i)\b(unusual|suspicious|unauthori[sz]ed)\s+(activity|login|sign.?in|transaction|attempt)`, cat, 15, "Fake security alert")
}

// --- CREDENTIAL LURE PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerCredentialLurePatterns() {
	cat := CategoryCredentialLure

	r.register("verify_identity", `(?i)\b(verify|confirm|update|validate)\s+(your\s+)?(identity|account|details|information|payment|card)`, cat, 20, "Identity verification lure")
	r.register("otp_request", `(?i)\b(share|send|enter|provide)\s+(the\s+|your\s+)?(otp|one.?time|verification\s+code|pin)\b`, cat, 30, "OTP/PIN harvesting")
	r.register("password_request", `(?i)\b(re.?enter|confirm|update)\s+(your\s+)?password\b`, cat, 25, "Password harvesting")
	r.register("banking_details", `(?i)\b(bank|card|account)\s+(details|number|credentials)\b`, cat, 25, "Banking detail request")
	r.register("ssn_request", `(?i)\b(ssn|social\s+security|national\s+insurance|aadhaar)\b`, cat, 25, "Government ID request")
	r.register("login_link", `(?i)\b(log\s?in|sign\s?in)\s+(here|below|via|using|at)\b`, cat, 15, "Login redirection")
}

// --- REWARD LURE PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerRewardLurePatterns() {
	cat := CategoryRewardLure

	r.register("prize_winner", `(?i)\b(you\s+(have\s+)?won|winner|congratulations?)\b`, cat, 20, "Prize-winner lure")
	r.register("free_gift", `(?i)\bfree\s+(gift|reward|voucher|iphone|prize|money|card)\b`, cat, 20, "Free-gift lure")
	r.register("claim_now", `(?i)\bclaim\s+(your|the|now)\b`, cat, 15, "Claim-prize pressure")
	r.register("refund_due", `(?i)\b(refund|rebate|reimbursement|cashback)\s+(of|due|pending|waiting|available)`, cat, 20, "Fake refund lure")
	r.register("lottery", `(?i)\b(lottery|sweepstake|lucky\s+draw|jackpot)\b`, cat, 20, "Lottery scam")
	r.register("too_good", `(?i)\b(100%\s+free|guaranteed\s+(win|cash|approval)|no\s+cost)\b`, cat, 15, "Too-good-to-be-true offer")
}

// --- THREAT PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerThreatPatterns() {
	cat := CategoryThreat

	r.register("legal_action", `(?i)\b(legal\s+action|lawsuit|arrest|warrant|prosecut)`, cat, 25, "Legal threat")
	r.register("fine_due", `(?i)\b(fine|penalty|fee)\s+(of|due|unpaid|outstanding)`, cat, 20, "Fake fine/penalty")
	r.register("delivery_fee", `(?i)\b(customs|delivery|shipping|redelivery)\s+(fee|charge|payment)\b`, cat, 20, "Parcel fee scam")
	r.register("missed_delivery", `(?i)\b(missed|failed|unable\s+to\s+complete)\s+(a\s+|your\s+)?(delivery|parcel|package)`, cat, 15, "Missed-delivery lure")
	r.register("tax_debt", `(?i)\b(tax|irs|hmrc|revenue)\s+(refund|debt|owed|violation)`, cat, 25, "Tax authority scam")
}

// --- IMPERSONATION PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerImpersonationPatterns() {
	cat := CategoryImpersonation

	r.register("bank_impersonation", `(?i)\b(your\s+bank|barclays|chase|hsbc|wells\s+fargo|citibank|santander|bank\s+of\s+america)\b`, cat, 15, "Bank impersonation")
	r.register("courier_impersonation", `(?i)\b(fedex|ups|dhl|usps|royal\s+mail|hermes|evri|dpd)\b`, cat, 10, "Courier impersonation")
	r.register("bigtech_impersonation", `(?i)\b(apple|google|microsoft|amazon|paypal|netflix)\s+(id|account|support|security|team)\b`, cat, 15, "Big-tech impersonation")
	r.register("gov_impersonation", `(?i)\b(irs|hmrc|dvla|medicare|social\s+security\s+administration)\b`, cat, 20, "Government impersonation")
}

// --- GENERIC GREETING PATTERNS (MESSAGE TEXT) ---
func (r *Registry) registerGreetingPatterns() {
	cat := CategoryGenericGreeting

	r.register("dear_customer", `(?i)^\s*dear\s+(customer|user|member|client|valued)`, cat, 10, "Generic greeting")
	r.register("dear_sir_madam", `(?i)\bdear\s+sir\s*/?\s*madam\b`, cat, 10, "Impersonal salutation")
}

// --- SUSPICIOUS JAVASCRIPT PATTERNS (FETCHED PAGES) ---
func (r *Registry) registerSuspiciousJSPatterns() {
	cat := CategorySuspiciousJS

	r.register("js_eval", `(?i)\beval\s*\(`, cat, 15, "Dynamic code evaluation")
	r.register("js_atob", `(?i)\batob\s*\(`, cat, 10, "Base64 payload decoding")
	r.register("js_unescape", `(?i)\bunescape\s*\(`, cat, 10, "Legacy string deobfuscation")
	r.register("js_document_write", `(?i)document\.write\s*\(`, cat, 10, "Injected document content")
	r.register("js_location_replace", `(?i)(window\.)?location\.(replace|href)\s*=`, cat, 10, "Scripted redirect")
	r.register("js_keylogger", `(?i)addEventListener\s*\(\s*['"]key(down|press|up)['"]`, cat, 20, "Keystroke capture")
	r.register("js_disable_rightclick", `(?i)oncontextmenu\s*=\s*['"]?return\s+false`, cat, 10, "Right-click disabled")
	r.register("js_hidden_iframe", `(?i)<iframe[^>]*(visibility:\s*hidden|display:\s*none|width=["']?0)`, cat, 20, "Hidden iframe")
	r.register("js_fromcharcode", `(?i)String\.fromCharCode\s*\(`, cat, 10, "Character-code obfuscation")
	r.register("js_onbeforeunload", `(?i)onbeforeunload\s*=`, cat, 10, "Navigation trap")
}

// --- SENSITIVE FORM PATTERNS (FETCHED PAGES) ---
func (r *Registry) registerSensitiveFormPatterns() {
	cat := CategorySensitiveForm

	r.register("form_password", `(?i)<input[^>]+type=["']?password`, cat, 20, "Password input field")
	r.register("form_card_number", `(?i)<input[^>]+(name|id|placeholder)=["'][^"']*(card.?num|cc.?num|credit)`, cat, 25, "Card number field")
	r.register("form_cvv", `(?i)<input[^>]+(name|id|placeholder)=["'][^"']*(cvv|cvc|security.?code)`, cat, 25, "CVV field")
	r.register("form_ssn", `(?i)<input[^>]+(name|id|placeholder)=["'][^"']*(ssn|social.?security)`, cat, 25, "SSN field")
	r.register("form_otp", `(?i)<input[^>]+(name|id|placeholder)=["'][^"']*(otp|one.?time|verification.?code)`, cat, 20, "OTP field")
}
