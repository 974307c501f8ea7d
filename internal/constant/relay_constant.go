package constant

const (
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleSystem    = "system"

	// Source classification for chat sessions. Manually started chats are the
	// only ones the HTTP listing returns; document-derived chats are created
	// by the ingestion pipeline.
	ChatSourceManual   = "manual"
	ChatSourceDocument = "document"

	DefaultChatTitle       = "Новый чат"
	DefaultChatDescription = "Новая беседа"

	ChatTitleMaxLength = 50
	ChatTitleEllipsis  = "..."

	// AssistantTypingNotice is carried by the assistant_message_start frame.
	AssistantTypingNotice = "Ассистент печатает..."

	// GenerationApology replaces the assistant reply when the generation
	// backend fails mid-stream. It is persisted like any other assistant
	// message so chat history stays well-formed.
	GenerationApology = "Извините, произошла ошибка при обработке вашего сообщения. Попробуйте еще раз."

	// LegalAssistantSystemPrompt prefixes every model input.
	LegalAssistantSystemPrompt = "You are a legal assistant helping users with any legal issues, including visas, migration, deportation, documents, police, court, lawyers, legal translations, work permits, asylum, residence permits, study abroad, and legal statement filings. Automatically detect the user's language and reply in that language. If the question is not legal-related, politely explain you can only help with legal topics."
)
