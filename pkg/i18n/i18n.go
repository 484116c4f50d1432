package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                          "درخواست نامعتبر است",
	"missing authorization token":              "توکن احراز هویت ارسال نشده است",
	"invalid token":                            "توکن نامعتبر است",
	"unauthorized":                             "دسترسی غیرمجاز",
	"internal server error":                    "خطای داخلی سرور",
	"not found":                                "یافت نشد",
	"rate limiter error":                       "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                      "تعداد درخواست ها بیش از حد مجاز است",
	"invalid session id":                       "شناسه گفتگو نامعتبر است",
	"session not found":                        "گفتگو یافت نشد",
	"not a participant":                        "شما عضو این گفتگو نیستید",
	"not joined to session":                    "به این گفتگو متصل نشده اید",
	"cannot create session with yourself":      "نمی توانید با خودتان گفتگو ایجاد کنید",
	"invalid user id":                          "شناسه کاربر نامعتبر است",
	"invalid page":                             "شماره صفحه نامعتبر است",
	"invalid message id":                       "شناسه پیام نامعتبر است",
	"message must have content or attachments": "پیام باید متن یا پیوست داشته باشد",
	"too many attachments":                     "تعداد پیوست ها بیش از حد مجاز است",
	"file too large":                           "حجم فایل بیش از حد مجاز است",
	"invalid multipart form":                   "فرم ارسالی نامعتبر است",
	"attachment not found":                     "پیوست یافت نشد",
	"failed to send message":                   "خطا در ارسال پیام",
	"failed to fetch messages":                 "خطا در دریافت پیام ها",
	"failed to fetch sessions":                 "خطا در دریافت گفتگوها",
	"failed to create session":                 "خطا در ایجاد گفتگو",
	"failed to update message":                 "خطا در به روزرسانی پیام",
	"failed to fetch attachment":               "خطا در دریافت پیوست",
	"push notifications disabled":              "اعلان ها غیرفعال است",
	"failed to save subscription":              "خطا در ثبت اشتراک اعلان",
	"failed to delete subscription":            "خطا در حذف اشتراک اعلان",
}

// Translate returns the Persian text for message, or message itself when the
// table has no entry.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	return message
}

// Prefers reports whether an Accept-Language header ranks Persian first.
func Prefers(acceptLanguage string) bool {
	first := strings.TrimSpace(strings.Split(acceptLanguage, ",")[0])
	first = strings.ToLower(strings.Split(first, ";")[0])
	return first == "fa" || strings.HasPrefix(first, "fa-")
}
