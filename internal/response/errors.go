package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAccessDenied      ErrCode = "ACCESS_DENIED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session ───────────────────────────────────────────────────────
	ErrNotFound            ErrCode = "NOT_FOUND"
	ErrSessionNotFound     ErrCode = "SESSION_NOT_FOUND"
	ErrSessionActive       ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionExpired      ErrCode = "SESSION_EXPIRED"
	ErrSubmitInProgress    ErrCode = "SUBMISSION_IN_PROGRESS"
	ErrAlreadySubmitted    ErrCode = "SESSION_ALREADY_SUBMITTED"
	ErrInvalidTransition   ErrCode = "INVALID_TRANSITION"
	ErrRequestSuperseded   ErrCode = "REQUEST_SUPERSEDED"
	ErrUpstreamUnavailable ErrCode = "UPSTREAM_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAccessDenied:
		return "Anda belum memiliki akses ke tes ini."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrSessionNotFound:
		return "Sesi tes tidak ditemukan atau sudah berakhir."
	case ErrSessionActive:
		return "Anda masih memiliki sesi tes lain yang aktif."
	case ErrSessionExpired:
		return "Waktu pengerjaan tes telah habis."
	case ErrSubmitInProgress:
		return "Jawaban sedang dikirim. Silakan tunggu."
	case ErrAlreadySubmitted:
		return "Sesi tes ini sudah dikumpulkan sebelumnya."
	case ErrInvalidTransition:
		return "Status sesi tidak dapat diubah."
	case ErrRequestSuperseded:
		return "Permintaan digantikan oleh permintaan yang lebih baru."
	case ErrUpstreamUnavailable:
		return "Layanan soal atau pembayaran sedang tidak tersedia. Silakan coba lagi."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
