package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
)

// 固定文言。利用者由来の値はformat関数でPlainTextを通してから埋め込む。
const (
	textUseStart         = "Usa /start para comenzar el proceso de membresía."
	textPaymentLinkError = "❌ Error generando el enlace de pago. Intenta de nuevo más tarde."
	textInternalError    = "❌ Error interno. Intenta de nuevo más tarde."
	textRateLimited      = "⏳ Demasiadas solicitudes. Espera un momento e intenta de nuevo."
	textGrantError       = "❌ Error al generar tu enlace de acceso al grupo. Intenta de nuevo con /start."
	textPollError        = "❌ No pudimos verificar el pago en este momento. Intenta de nuevo en unos minutos."
	textPaymentNotYours  = "❌ Este pago no corresponde a tu cuenta."
	textAlreadyConfirmed = "✅ Tu pago ya fue confirmado. Usa /start para obtener tu enlace al grupo."
	textConfirmedPending = "✅ ¡Pago verificado! En breve recibirás tu enlace de acceso al grupo."
	textStatusNone       = "No tienes una membresía. Usa /start para unirte a Ghost Traders."

	buttonPay    = "💳 Pagar"
	buttonVerify = "🔄 Verificar pago"
)

// dateLayout は利用者に表示する日時の書式（UTC）。
const dateLayout = "02/01/2006 15:04"

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout) + " UTC"
}

// formatPeriod はメンバーシップ期間を「30 días」「1 hora」の形式にする。
func formatPeriod(d time.Duration) string {
	if days := int(d / (24 * time.Hour)); days >= 1 && d%(24*time.Hour) == 0 {
		if days == 1 {
			return "1 día"
		}
		return fmt.Sprintf("%d días", days)
	}
	hours := int(d / time.Hour)
	if hours <= 1 {
		return "1 hora"
	}
	return fmt.Sprintf("%d horas", hours)
}

func formatPrice(amount decimal.Decimal, currency string) string {
	return amount.String() + " " + strings.ToUpper(currency)
}

func (b *Bot) welcomeText(username string, inv *payment.Invoice) string {
	verifyHint := ""
	if b.cfg.VerifyButton {
		verifyHint = "Si ya pagaste, pulsa «Verificar pago».\n"
	}
	return fmt.Sprintf("¡Bienvenido a Ghost Traders, %s! 👻\n\n"+
		"Para unirte al grupo, realiza el pago de <b>%s</b>.\n\n"+
		"🔗 <b>Link de pago</b>: <a href=\"%s\">%s</a>\n\n"+
		"📋 <b>Invoice ID</b>: <code>%s</code>\n\n"+
		"Una vez completado el pago, recibirás automáticamente tu enlace al grupo.\n"+
		"%s"+
		"Tu membresía durará %s.",
		b.sanitizer.PlainText(username),
		formatPrice(b.cfg.Price, b.cfg.Currency),
		html.EscapeString(inv.PayURL), b.sanitizer.PlainText(inv.PayURL),
		b.sanitizer.PlainText(inv.ID),
		verifyHint,
		formatPeriod(b.engine.Period()),
	)
}

func (b *Bot) alreadyActiveText(username string, end time.Time, link string) string {
	return fmt.Sprintf("¡Hola %s! Ya eres miembro activo.\n"+
		"Tu membresía expira el: <b>%s</b>\n\n"+
		"🔗 Tu enlace de acceso (un solo uso): %s",
		b.sanitizer.PlainText(username),
		formatDate(end),
		b.sanitizer.PlainText(link),
	)
}

func statusText(state model.MembershipState) string {
	end := state.EndDate
	switch state.State {
	case model.StateActive:
		return fmt.Sprintf("✅ Tu membresía está activa hasta el <b>%s</b>.", formatDate(end))
	case model.StateExpired:
		return fmt.Sprintf("⌛ Tu membresía expiró el <b>%s</b>. Usa /start para renovarla.", formatDate(end))
	default:
		return textStatusNone
	}
}

func pendingText(status payment.Status) string {
	switch status {
	case payment.StatusWaiting:
		return "⏳ Aún no recibimos tu pago. Si ya lo enviaste, espera unos minutos y vuelve a verificar."
	case payment.StatusConfirming, payment.StatusSending:
		return "⏳ Tu pago está siendo confirmado en la red. Vuelve a verificar en unos minutos."
	case payment.StatusFailed:
		return "❌ El pago falló o expiró. Usa /start para generar un nuevo enlace de pago."
	default:
		return "❓ No pudimos determinar el estado del pago. Intenta de nuevo más tarde."
	}
}

func paymentConfirmedText(link string, linkExpires, end time.Time) string {
	return fmt.Sprintf("🎉 ¡Pago confirmado! Bienvenido a Ghost Traders.\n\n"+
		"Tu membresía está activa hasta el <b>%s</b>.\n\n"+
		"🔗 Únete al grupo VIP con este enlace (un solo uso, válido hasta %s): %s",
		formatDate(end),
		formatDate(linkExpires),
		link,
	)
}

func membershipExpiredText(end time.Time) string {
	return fmt.Sprintf("⌛ Tu membresía de Ghost Traders expiró el <b>%s</b> y fuiste retirado del grupo.\n\n"+
		"Usa /start para renovarla.",
		formatDate(end),
	)
}
